package cli

import (
	"github.com/dl-alexandre/dbxsync/internal/sync/scanner"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/spf13/cobra"
)

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List the active team folders a sync would walk",
	Args:  cobra.NoArgs,
	RunE:  runFolders,
}

func init() {
	rootCmd.AddCommand(foldersCmd)
}

func runFolders(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	ctx := cmd.Context()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	cfg, err := requireConfig()
	if err != nil {
		return out.Fail("folders", err)
	}
	svc, err := openServices(ctx, cfg, serviceOptions{})
	if err != nil {
		return out.Fail("folders", err)
	}
	defer svc.Close()

	scopes, err := scanner.ActiveTeamFolders(ctx, svc.dropbox, logger)
	if err != nil {
		return out.Fail("folders", err)
	}
	if len(cfg.Sync.Folders) > 0 {
		var unknown []string
		scopes, unknown = scanner.FilterScopes(scopes, cfg.Sync.Folders)
		for _, name := range unknown {
			out.AddWarning("UNKNOWN_FOLDER", "configured team folder not found: "+name, "warning")
		}
	}
	return out.WriteSuccess("folders", folderList(scopes))
}

// folderList is the output of the folders command
type folderList []types.Scope

func (l folderList) Headers() []string { return []string{"Name", "Team folder ID", "Status"} }

func (l folderList) Rows() [][]string {
	rows := make([][]string, len(l))
	for i, f := range l {
		status := string(f.Status)
		if status == "" {
			status = string(types.TeamFolderActive)
		}
		rows[i] = []string{f.Name, f.ID, status}
	}
	return rows
}

func (l folderList) EmptyMessage() string { return "No active team folders" }
