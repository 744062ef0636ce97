package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

// AssetFile is the localized file block of an asset.
type AssetFile struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	URL         string `json:"url,omitempty"`
	UploadFrom  *Link  `json:"uploadFrom,omitempty"`
}

// Asset is a media asset.
type Asset struct {
	Sys    Sys         `json:"sys"`
	Fields AssetFields `json:"fields"`
}

type AssetFields struct {
	Title map[string]string    `json:"title,omitempty"`
	File  map[string]AssetFile `json:"file,omitempty"`
}

// Processed reports whether the file for locale has a delivery URL.
func (a *Asset) Processed(locale string) bool {
	if a == nil {
		return false
	}
	f, ok := a.Fields.File[locale]
	return ok && f.URL != ""
}

// AssetUpload describes an image to push into the catalog.
type AssetUpload struct {
	Title       string
	FileName    string
	ContentType string
	Body        io.Reader
}

// UploadAsset uploads the file, creates an asset referencing it, triggers
// processing, polls until the file is processed and publishes the asset.
func (c *Client) UploadAsset(ctx context.Context, upload AssetUpload) (*Asset, error) {
	if upload.Body == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "asset body is required")
	}
	if strings.TrimSpace(upload.FileName) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "asset file name is required")
	}
	if upload.ContentType == "" {
		upload.ContentType = "application/octet-stream"
	}

	uploadID, err := c.createUpload(ctx, upload.Body)
	if err != nil {
		return nil, err
	}

	link := &Link{}
	link.Sys.Type = "Link"
	link.Sys.LinkType = "Upload"
	link.Sys.ID = uploadID

	draft := Asset{Fields: AssetFields{
		Title: map[string]string{c.locale: upload.Title},
		File: map[string]AssetFile{c.locale: {
			FileName:    upload.FileName,
			ContentType: upload.ContentType,
			UploadFrom:  link,
		}},
	}}
	body, err := json.Marshal(map[string]any{"fields": draft.Fields})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal asset")
	}

	var created Asset
	if err := c.do(ctx, http.MethodPost, c.envURL("assets"), bytes.NewReader(body), nil, &created); err != nil {
		return nil, err
	}

	processHeaders := map[string]string{versionHeader: strconv.Itoa(created.Sys.Version)}
	if err := c.do(ctx, http.MethodPut, c.envURL("assets", created.Sys.ID, "files", c.locale, "process"), nil, processHeaders, nil); err != nil {
		return nil, err
	}

	processed, err := c.awaitProcessed(ctx, created.Sys.ID)
	if err != nil {
		return nil, err
	}

	publishHeaders := map[string]string{versionHeader: strconv.Itoa(processed.Sys.Version)}
	var published Asset
	if err := c.do(ctx, http.MethodPut, c.envURL("assets", processed.Sys.ID, "published"), nil, publishHeaders, &published); err != nil {
		return nil, err
	}
	return &published, nil
}

// GetAsset fetches an asset by id.
func (c *Client) GetAsset(ctx context.Context, id string) (*Asset, error) {
	var asset Asset
	if err := c.do(ctx, http.MethodGet, c.envURL("assets", id), nil, nil, &asset); err != nil {
		return nil, err
	}
	return &asset, nil
}

func (c *Client) awaitProcessed(ctx context.Context, id string) (*Asset, error) {
	deadline := c.now().Add(c.processTimeout)
	for {
		asset, err := c.GetAsset(ctx, id)
		if err != nil {
			return nil, err
		}
		if asset.Processed(c.locale) {
			return asset, nil
		}
		if !c.now().Add(c.processInterval).Before(deadline) {
			return nil, pkgerrors.New(pkgerrors.CodeTimeout, "asset processing did not finish in time")
		}
		if err := c.sleep(ctx, c.processInterval); err != nil {
			return nil, err
		}
	}
}

func (c *Client) createUpload(ctx context.Context, body io.Reader) (string, error) {
	target := strings.TrimRight(c.uploadURL, "/") + "/spaces/" + url.PathEscape(c.spaceID) + "/uploads"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build upload request")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "catalog rate limiter")
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute upload request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseReadLimit))
		return "", statusError(http.MethodPost, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Sys Sys `json:"sys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode upload response")
	}
	if out.Sys.ID == "" {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "upload response missing id")
	}
	return out.Sys.ID, nil
}
