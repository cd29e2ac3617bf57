package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/panohub/pano/internal/store"
	"github.com/panohub/pano/pkg/search"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure the master password (first run)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pw, err := promptPassword("New master password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Repeat: ")
		if err != nil {
			return err
		}
		if pw != confirm {
			return fmt.Errorf("passwords do not match")
		}
		token, err := app.Setup(cmd.Context(), pw)
		if err != nil {
			return err
		}
		return rememberUnlock(cmd.Context(), token)
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Unlock sensitive content with the master password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pw, err := promptPassword("Master password: ")
		if err != nil {
			return err
		}
		token, err := app.Login(cmd.Context(), pw)
		if err != nil {
			return err
		}
		return rememberUnlock(cmd.Context(), token)
	},
}

func rememberUnlock(ctx context.Context, token string) error {
	if err := saveToken(token); err != nil {
		return err
	}
	if cfg.Vault.UseKeyring {
		if err := app.RememberSession(ctx, token); err != nil {
			log.Warn().Err(err).Msg("could not remember session, re-unlock next run")
		}
	}
	fmt.Println("unlocked")
	return nil
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the master password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		token := resumeSession(ctx)
		current, err := promptPassword("Current master password: ")
		if err != nil {
			return err
		}
		next, err := promptPassword("New master password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Repeat: ")
		if err != nil {
			return err
		}
		if next != confirm {
			return fmt.Errorf("passwords do not match")
		}
		if err := app.ChangePassword(ctx, token, current, next); err != nil {
			return err
		}
		fmt.Println("master password changed")
		return nil
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Close the session and forget the key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		token := resumeSession(cmd.Context())
		clearToken()
		if err := app.Logout(cmd.Context(), token); err != nil {
			return err
		}
		fmt.Println("locked")
		return nil
	},
}

var (
	addCategory    string
	addType        string
	addContent     string
	addDescription string
	addTags        []string
	addSensitive   bool
)

var addCmd = &cobra.Command{
	Use:   "add LABEL",
	Short: "Add an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		token := resumeSession(ctx)

		cat, err := ensureCategory(ctx, addCategory)
		if err != nil {
			return err
		}
		it := &store.Item{
			CategoryID:  cat.ID,
			Type:        addType,
			Label:       args[0],
			Content:     addContent,
			Description: addDescription,
			Tags:        addTags,
			IsSensitive: addSensitive,
		}
		if err := app.CreateItem(ctx, token, it); err != nil {
			return err
		}
		fmt.Println(it.ID)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVarP(&addCategory, "category", "c", "inbox", "category name")
	addCmd.Flags().StringVarP(&addType, "type", "t", store.TypeText, "text|url|code|path")
	addCmd.Flags().StringVar(&addContent, "content", "", "item content")
	addCmd.Flags().StringVarP(&addDescription, "description", "d", "", "description")
	addCmd.Flags().StringSliceVar(&addTags, "tag", nil, "tags (repeatable)")
	addCmd.Flags().BoolVarP(&addSensitive, "sensitive", "s", false, "encrypt the content")
}

// ensureCategory resolves a category by name, creating it on first use.
func ensureCategory(ctx context.Context, name string) (*store.Category, error) {
	cats, err := app.Categories(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cats {
		if strings.EqualFold(c.Name, name) {
			return c, nil
		}
	}
	c := &store.Category{Name: name}
	err = app.Store().WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateCategory(c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

var lsCmd = &cobra.Command{
	Use:   "ls [CATEGORY]",
	Short: "List categories, or the items of one category",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(args) == 0 {
			cats, err := app.Categories(ctx)
			if err != nil {
				return err
			}
			for _, c := range cats {
				pin := " "
				if c.Pinned {
					pin = "*"
				}
				fmt.Printf("%s %-20s %3d items\n", pin, c.Name, c.ItemCount)
			}
			return nil
		}

		token := resumeSession(ctx)
		cats, err := app.Categories(ctx)
		if err != nil {
			return err
		}
		for _, c := range cats {
			if !strings.EqualFold(c.Name, args[0]) {
				continue
			}
			items, err := app.CategoryItems(ctx, token, c.ID)
			if err != nil {
				return err
			}
			for _, it := range items {
				printItemLine(it)
			}
			return nil
		}
		return fmt.Errorf("no category named %q", args[0])
	},
}

func printItemLine(it *store.Item) {
	marker := " "
	if it.IsSensitive {
		marker = "#"
	}
	fmt.Printf("%s %-36s %-8s %s\n", marker, it.ID, it.Type, it.Label)
}

var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one item, decrypting if unlocked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		token := resumeSession(ctx)
		it, err := app.GetItem(ctx, token, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("label:    %s\n", it.Label)
		fmt.Printf("type:     %s\n", it.Type)
		if len(it.Tags) > 0 {
			fmt.Printf("tags:     %s\n", strings.Join(it.Tags, ", "))
		}
		if it.Description != "" {
			fmt.Printf("about:    %s\n", it.Description)
		}
		if it.Sealed {
			fmt.Println("content:  [locked, run `pano unlock`]")
		} else {
			fmt.Printf("content:  %s\n", it.Content)
		}
		fmt.Printf("used:     %d times\n", it.UsageCount)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Delete an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.DeleteItem(cmd.Context(), args[0])
	},
}

var (
	searchCategory string
	searchProject  string
	searchArea     string
	searchLimit    int
)

var searchCmd = &cobra.Command{
	Use:   "search QUERY...",
	Short: "Ranked full-text search across everything",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := search.Filters{
			CategoryID: searchCategory,
			ProjectID:  searchProject,
			AreaID:     searchArea,
			Limit:      searchLimit,
		}
		results, err := app.Search(cmd.Context(), strings.Join(args, " "), f)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%-13s %-36s %s\n", r.Kind, r.EntityID, r.Label)
			if r.Snippet != "" {
				fmt.Printf("              %s\n", r.Snippet)
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchCategory, "category", "", "restrict to a category id")
	searchCmd.Flags().StringVar(&searchProject, "project", "", "restrict to a project id")
	searchCmd.Flags().StringVar(&searchArea, "area", "", "restrict to an area id")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "max results")
}

var secretsCmd = &cobra.Command{
	Use:   "secrets QUERY...",
	Short: "Search inside encrypted content (requires unlock)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		token := resumeSession(ctx)
		matches, err := app.SearchSensitive(ctx, token, strings.Join(args, " "))
		if err != nil {
			return err
		}
		for _, m := range matches {
			fmt.Printf("%-36s %s\n", m.ID, m.Label)
		}
		return nil
	},
}

var (
	useFailed   bool
	useDuration time.Duration
	useDetail   string
)

var useCmd = &cobra.Command{
	Use:   "use ID",
	Short: "Record that an item was used",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RecordUsage(cmd.Context(), args[0], useDuration, !useFailed, useDetail)
	},
}

func init() {
	useCmd.Flags().BoolVar(&useFailed, "failed", false, "mark the use as failed")
	useCmd.Flags().DurationVar(&useDuration, "duration", 0, "how long the use took")
	useCmd.Flags().StringVar(&useDetail, "detail", "", "error detail for failed uses")
}

var (
	statsTop       int
	statsWindow    time.Duration
	statsForgotten time.Duration
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Usage statistics: popular and forgotten items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		top, err := app.Popular(ctx, statsTop, statsWindow)
		if err != nil {
			return err
		}
		fmt.Println("most used:")
		for _, st := range top {
			fmt.Printf("  %4d  %s\n", st.UsageCount, st.Label)
		}
		if statsForgotten > 0 {
			stale, err := app.Forgotten(ctx, statsForgotten)
			if err != nil {
				return err
			}
			fmt.Println("forgotten:")
			for _, st := range stale {
				fmt.Printf("        %s\n", st.Label)
			}
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsTop, "top", 10, "how many popular items")
	statsCmd.Flags().DurationVar(&statsWindow, "window", 0, "trailing window, 0 for all time")
	statsCmd.Flags().DurationVar(&statsForgotten, "forgotten", 0, "also list items unused this long")
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index from scratch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Database.ReindexTimeout)
		defer cancel()
		return app.Reindex(ctx)
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check and repair index and counter consistency",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := app.Doctor(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export SCOPE_ID FILE",
	Short: "Export a project or area as a JSON snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.ExportScope(cmd.Context(), args[0], args[1])
	},
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import a scope snapshot (all or nothing)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.ImportScope(cmd.Context(), args[0])
	},
}
