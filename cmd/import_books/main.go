package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"lexora/internal/config"
	"lexora/library"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// catalogFile is the YAML layout accepted by the importer:
//
//	books:
//	  - isbn: "9780451524935"
//	    title: "1984"
//	    author: George Orwell
//	    copies: 3
type catalogFile struct {
	Books []catalogBook `yaml:"books"`
}

type catalogBook struct {
	ISBN   string `yaml:"isbn"`
	Title  string `yaml:"title"`
	Author string `yaml:"author"`
	Copies int    `yaml:"copies"`
}

type importSummary struct {
	added, updated, failed int
}

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:          "import_books CATALOG.yaml",
		Short:        "Import or update books from a YAML catalog",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			buf, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read catalog: %w", err)
			}
			var file catalogFile
			if err := yaml.Unmarshal(buf, &file); err != nil {
				return fmt.Errorf("parse catalog: %w", err)
			}

			db, err := library.OpenDatabase(library.DatabaseOptions{
				Driver:      cfg.Database.Driver,
				Path:        cfg.Database.Path,
				BusyTimeout: cfg.BusyTimeout(),
			})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Importing %d books into %s...\n", len(file.Books), cfg.Database.Path)
			sum := importBooks(cmd.Context(), out, library.NewCatalog(db), library.NewInventoryLedger(db), file.Books)

			fmt.Fprintf(out, "\nImport complete!\n")
			fmt.Fprintf(out, "Added: %d, updated: %d, errors: %d\n", sum.added, sum.updated, sum.failed)
			if sum.failed > 0 {
				return fmt.Errorf("%d books failed to import", sum.failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "lexora.yaml", "path to the YAML config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// importBooks adds unknown ISBNs and sets the copy count of known ones.
// Books without an ISBN are always added.
func importBooks(ctx context.Context, out io.Writer, catalog *library.Catalog, inventory *library.InventoryLedger, books []catalogBook) importSummary {
	var sum importSummary
	for _, b := range books {
		fmt.Fprintf(out, "Importing: %s by %s... ", b.Title, b.Author)

		isbn := strings.TrimSpace(b.ISBN)
		if isbn != "" {
			existing, err := catalog.GetBookByISBN(ctx, isbn)
			switch {
			case err == nil:
				if err := inventory.SetTotalCopies(ctx, existing.ID, b.Copies); err != nil {
					fmt.Fprintf(out, "ERROR - %v\n", err)
					sum.failed++
					continue
				}
				fmt.Fprintf(out, "UPDATED (ID: %d, copies: %d)\n", existing.ID, b.Copies)
				sum.updated++
				continue
			case !errors.Is(err, library.ErrNotFound):
				fmt.Fprintf(out, "ERROR - %v\n", err)
				sum.failed++
				continue
			}
		}

		id, err := catalog.AddBook(ctx, isbn, b.Title, b.Author, b.Copies)
		if err != nil {
			fmt.Fprintf(out, "ERROR - %v\n", err)
			sum.failed++
			continue
		}
		fmt.Fprintf(out, "SUCCESS (ID: %d)\n", id)
		sum.added++
	}
	return sum
}
