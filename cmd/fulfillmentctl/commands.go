package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvhzldn/almond-river-records-sub000/internal/bootstrap"
	"github.com/dvhzldn/almond-river-records-sub000/internal/fulfillment"
	"github.com/dvhzldn/almond-river-records-sub000/internal/orders"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/auth"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/catalog"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
)

type fulfiller interface {
	Fulfill(ctx context.Context, reference string) (fulfillment.Result, error)
}

type orderFinder interface {
	FindByReference(ctx context.Context, reference string) (*models.Order, error)
}

type soldMarker interface {
	MarkSold(ctx context.Context, id string) error
}

type exhaustedLister interface {
	ListExhausted(ctx context.Context, maxRetries, limit int) ([]models.Order, error)
}

type assetUploader interface {
	UploadAsset(ctx context.Context, upload catalog.AssetUpload) (*catalog.Asset, error)
}

func fulfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fulfill [reference]",
		Short: "Run the fulfillment orchestrator for one checkout reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()
			stack, err := s.stack(ctx)
			if err != nil {
				return err
			}
			return runFulfill(ctx, cmd.OutOrStdout(), stack.Orchestrator, args[0])
		},
	}
}

func runFulfill(ctx context.Context, out io.Writer, f fulfiller, reference string) error {
	result, err := f.Fulfill(ctx, strings.TrimSpace(reference))
	if err != nil {
		return fmt.Errorf("fulfill %s: %w", reference, err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func resyncInventoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync-inventory [reference]",
		Short: "Re-apply sold markers for every item of an order",
		Long: `Marks each item of the order sold in the local stock table and in the
catalog. Use it after the catalog mirror exhausted its retries.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()
			stack, err := s.stack(ctx)
			if err != nil {
				return err
			}
			return runResync(ctx, cmd.OutOrStdout(), stack.Orders, stack.Stock, stack.Catalog, args[0])
		},
	}
}

func runResync(ctx context.Context, out io.Writer, finder orderFinder, stock, mirror soldMarker, reference string) error {
	order, err := finder.FindByReference(ctx, strings.TrimSpace(reference))
	if err != nil {
		return err
	}
	if !order.IsFulfilled() {
		return fmt.Errorf("order %s is not fulfilled", order.CheckoutReference)
	}

	failed := 0
	for _, item := range order.Items {
		if err := stock.MarkSold(ctx, item.VinylRecordID); err != nil {
			failed++
			fmt.Fprintf(out, "%s\tstock\tFAILED (%s)\n", item.VinylRecordID, err)
			continue
		}
		if err := mirror.MarkSold(ctx, item.VinylRecordID); err != nil {
			failed++
			fmt.Fprintf(out, "%s\tcatalog\tFAILED (%s)\n", item.VinylRecordID, err)
			continue
		}
		fmt.Fprintf(out, "%s\tok\n", item.VinylRecordID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d items failed", failed, len(order.Items))
	}
	return nil
}

func stuckCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List orders that exhausted their reconciliation retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()
			repo := orders.NewRepository(s.db.DB())
			return runStuck(ctx, cmd.OutOrStdout(), repo, s.cfg.Reconciliation.MaxRetries, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum orders to list")
	return cmd
}

func runStuck(ctx context.Context, out io.Writer, lister exhaustedLister, maxRetries, limit int) error {
	rows, err := lister.ListExhausted(ctx, maxRetries, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "no stuck orders")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REFERENCE\tSTATUS\tATTEMPTS\tLAST ATTEMPT\tEMAIL SENT")
	for _, o := range rows {
		last := "-"
		if o.LastFulfillmentAttemptAt != nil {
			last = o.LastFulfillmentAttemptAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\n", o.CheckoutReference, o.Status, o.FulfillmentRetryAttempts, last, o.ConfirmationEmailSent)
	}
	return w.Flush()
}

func uploadAssetCmd() *cobra.Command {
	var title, contentType string
	cmd := &cobra.Command{
		Use:   "upload-asset [file]",
		Short: "Upload an image to the catalog, wait for processing and publish it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := bootstrap.CatalogClient(cfg.Catalog)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return runUploadAsset(cmd.Context(), cmd.OutOrStdout(), client, f, filepath.Base(args[0]), title, contentType, client.Locale())
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "Asset title (defaults to the file name)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME type (guessed from the extension when empty)")
	return cmd
}

func runUploadAsset(ctx context.Context, out io.Writer, uploader assetUploader, body io.Reader, fileName, title, contentType, locale string) error {
	if title == "" {
		title = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))
	}
	if contentType == "" {
		return fmt.Errorf("cannot guess content type of %s; pass --content-type", fileName)
	}

	asset, err := uploader.UploadAsset(ctx, catalog.AssetUpload{
		Title:       title,
		FileName:    fileName,
		ContentType: contentType,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", fileName, err)
	}
	fmt.Fprintf(out, "asset %s published\n", asset.Sys.ID)
	if file, ok := asset.Fields.File[locale]; ok && file.URL != "" {
		fmt.Fprintln(out, file.URL)
	}
	return nil
}

func tokenCmd() *cobra.Command {
	var (
		ttl     time.Duration
		subject string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for the internal fulfillment endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return runToken(cmd.OutOrStdout(), cfg.Internal, time.Now(), subject, ttl)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "Token lifetime")
	cmd.Flags().StringVar(&subject, "subject", "fulfillmentctl", "Token subject")
	return cmd
}

func runToken(out io.Writer, cfg config.InternalConfig, now time.Time, subject string, ttl time.Duration) error {
	token, err := auth.MintServiceToken(cfg, now, subject, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
