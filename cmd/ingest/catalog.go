package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/rpattn/pricing/internal/domain"

	"github.com/spf13/cobra"
)

type catalogOptions struct {
	storesPath   string
	productsPath string
}

func newCatalogCmd(logger *slog.Logger, backendOpts *backendOptions) *cobra.Command {
	var opts catalogOptions

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Load reference stores and products into a SQLite database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalog(cmd.Context(), cmd.OutOrStdout(), logger, *backendOpts, opts)
		},
	}
	cmd.Flags().StringVar(&opts.storesPath, "stores", "", "CSV with StoreId,StoreName,Country[,Region]")
	cmd.Flags().StringVar(&opts.productsPath, "products", "", "CSV with SKU,ProductName[,Category]")
	return cmd
}

func runCatalog(ctx context.Context, out io.Writer, logger *slog.Logger, backendOpts backendOptions, opts catalogOptions) error {
	if strings.TrimSpace(backendOpts.sqlitePath) == "" {
		return errors.New("catalog requires --sqlite; PostgreSQL reference data is managed outside this tool")
	}
	if opts.storesPath == "" && opts.productsPath == "" {
		return errors.New("nothing to load: pass --stores and/or --products")
	}

	var (
		stores   []domain.Store
		products []domain.Product
		err      error
	)
	if opts.storesPath != "" {
		if stores, err = readStores(opts.storesPath); err != nil {
			return err
		}
	}
	if opts.productsPath != "" {
		if products, err = readProducts(opts.productsPath); err != nil {
			return err
		}
	}

	b, _, err := openBackend(ctx, backendOpts, logger)
	if err != nil {
		return err
	}
	defer b.close()

	if err := b.sqlite.SeedCatalog(ctx, stores, products); err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded %d stores and %d products\n", len(stores), len(products))
	return nil
}

func readStores(path string) ([]domain.Store, error) {
	var stores []domain.Store
	err := readCatalogCSV(path, []string{"storeid", "storename", "country"}, func(line int, get func(string) string) error {
		id, err := strconv.ParseInt(get("storeid"), 10, 32)
		if err != nil || id <= 0 {
			return fmt.Errorf("%s line %d: invalid StoreId %q", path, line, get("storeid"))
		}
		store := domain.Store{StoreID: int32(id), StoreName: get("storename"), Country: get("country")}
		if region := get("region"); region != "" {
			store.Region = &region
		}
		stores = append(stores, store)
		return nil
	})
	return stores, err
}

func readProducts(path string) ([]domain.Product, error) {
	var products []domain.Product
	err := readCatalogCSV(path, []string{"sku", "productname"}, func(line int, get func(string) string) error {
		sku := get("sku")
		if sku == "" {
			return fmt.Errorf("%s line %d: SKU is empty", path, line)
		}
		product := domain.Product{SKU: sku, ProductName: get("productname")}
		if category := get("category"); category != "" {
			product.Category = &category
		}
		products = append(products, product)
		return nil
	})
	return products, err
}

// readCatalogCSV maps columns by case-insensitive header name and calls fn for
// every data record.
func readCatalogCSV(path string, required []string, fn func(line int, get func(string) string) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read header of %s: %w", path, err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			return fmt.Errorf("%s: missing column %s", path, name)
		}
	}

	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		get := func(name string) string {
			idx, ok := columns[name]
			if !ok || idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}
		if err := fn(line, get); err != nil {
			return err
		}
	}
}
