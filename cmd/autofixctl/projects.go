package main

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// project matches store.Project.
type project struct {
	Slug      string `json:"slug"`
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	Language  string `json:"language"`
	Framework string `json:"framework"`
}

var (
	projectRepo      string
	projectBranch    string
	projectLanguage  string
	projectFramework string
)

func init() {
	for _, c := range []*cobra.Command{projectsAddCmd, projectsUpdateCmd} {
		c.Flags().StringVar(&projectRepo, "repo", "", "GitHub repository as owner/name")
		c.Flags().StringVar(&projectBranch, "branch", "main", "base branch for pull requests")
		c.Flags().StringVar(&projectLanguage, "language", "", "primary language")
		c.Flags().StringVar(&projectFramework, "framework", "", "framework")
	}
	_ = projectsAddCmd.MarkFlagRequired("repo")

	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsAddCmd)
	projectsCmd.AddCommand(projectsUpdateCmd)
	projectsCmd.AddCommand(projectsDeleteCmd)
	rootCmd.AddCommand(projectsCmd)
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage error-monitor project to repository mappings",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List project mappings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var projects []project
		if err := apiCall(http.MethodGet, "/api/projects", nil, &projects); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLUG\tREPO\tBRANCH\tLANGUAGE\tFRAMEWORK")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Slug, p.Repo, p.Branch, p.Language, p.Framework)
		}
		return w.Flush()
	},
}

var projectsAddCmd = &cobra.Command{
	Use:   "add <slug>",
	Short: "Map a project slug to a repository",
	Long: `Map an error-monitor project slug to the repository fixes are proposed against.

Examples:
  autofixctl projects add web --repo acme/web --language typescript --framework nextjs`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var created project
		if err := apiCall(http.MethodPost, "/api/projects", projectFromFlags(args[0]), &created); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created project %s -> %s@%s\n", created.Slug, created.Repo, created.Branch)
		return nil
	},
}

var projectsUpdateCmd = &cobra.Command{
	Use:   "update <slug>",
	Short: "Replace a project mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var updated project
		path := "/api/projects/" + url.PathEscape(args[0])
		if err := apiCall(http.MethodPut, path, projectFromFlags(args[0]), &updated); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated project %s -> %s@%s\n", updated.Slug, updated.Repo, updated.Branch)
		return nil
	},
}

var projectsDeleteCmd = &cobra.Command{
	Use:   "delete <slug>",
	Short: "Remove a project mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(http.MethodDelete, "/api/projects/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted project %s\n", args[0])
		return nil
	},
}

func projectFromFlags(slug string) project {
	return project{
		Slug:      slug,
		Repo:      projectRepo,
		Branch:    projectBranch,
		Language:  projectLanguage,
		Framework: projectFramework,
	}
}
