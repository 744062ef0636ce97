package webhooks

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/dvhzldn/almond-river-records-sub000/api/responses"
	"github.com/dvhzldn/almond-river-records-sub000/internal/catalogsync"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

// CatalogTopicHeader carries the catalog webhook topic, e.g.
// ContentManagement.Entry.publish.
const CatalogTopicHeader = "X-Contentful-Topic"

const maxCatalogPayload = 1 << 20

type catalogApplier interface {
	Apply(ctx context.Context, ev catalogsync.Event) (catalogsync.Action, error)
}

// CatalogWebhook verifies the HMAC signature, decodes the payload into a
// catalog event and mirrors it into vinyl_records.
func CatalogWebhook(svc catalogApplier, secret string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog sync unavailable"))
			return
		}
		if secret == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog webhook secret not configured"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxCatalogPayload))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}
		if !catalogsync.VerifySignature(body, secret, r.Header.Get(catalogsync.SignatureHeader)) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid catalog signature"))
			return
		}

		topic := strings.TrimSpace(r.Header.Get(CatalogTopicHeader))
		event, err := catalogsync.Decode(topic, body)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		action, err := svc.Apply(ctx, event)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"action": string(action)})
	}
}
