package catalogsync

import (
	"encoding/json"
	"strings"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/catalog"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

// Event is a decoded catalog webhook. The concrete type is one of
// AssetEvent, EntryDeletedEvent, EntryUpsertEvent or UnknownEvent.
type Event interface {
	Topic() string
	isEvent()
}

// AssetEvent reports a change to an uploaded asset. Assets have no mirror.
type AssetEvent struct {
	topic   string
	ID      string
	Action  string
	Version int
}

// EntryDeletedEvent removes an entry from the storefront (delete, unpublish or archive).
type EntryDeletedEvent struct {
	topic       string
	ID          string
	ContentType string
}

// EntryUpsertEvent carries the full entry after a publish.
type EntryUpsertEvent struct {
	topic string
	Entry catalog.Entry
}

// UnknownEvent is any payload this service does not act on.
type UnknownEvent struct {
	topic string
	Type  string
}

func (e AssetEvent) Topic() string        { return e.topic }
func (e EntryDeletedEvent) Topic() string { return e.topic }
func (e EntryUpsertEvent) Topic() string  { return e.topic }
func (e UnknownEvent) Topic() string      { return e.topic }

func (AssetEvent) isEvent()        {}
func (EntryDeletedEvent) isEvent() {}
func (EntryUpsertEvent) isEvent()  {}
func (UnknownEvent) isEvent()      {}

var removalActions = map[string]bool{
	"delete":    true,
	"unpublish": true,
	"archive":   true,
}

// Decode classifies a webhook body using the topic header
// (`ContentManagement.<Entity>.<action>`) and the payload's sys.type.
func Decode(topic string, body []byte) (Event, error) {
	var payload struct {
		Sys    catalog.Sys    `json:"sys"`
		Fields catalog.Fields `json:"fields"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode catalog webhook")
	}

	entity, action := splitTopic(topic)
	kind := payload.Sys.Type
	switch {
	case entity == "Asset" || kind == "Asset" || kind == "DeletedAsset":
		return AssetEvent{topic: topic, ID: payload.Sys.ID, Action: action, Version: payload.Sys.Version}, nil
	case entity != "Entry" && kind != "Entry" && kind != "DeletedEntry":
		return UnknownEvent{topic: topic, Type: kind}, nil
	}

	if payload.Sys.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "catalog entry id is required")
	}
	if kind == "DeletedEntry" || removalActions[action] {
		return EntryDeletedEvent{topic: topic, ID: payload.Sys.ID, ContentType: payload.Sys.ContentTypeID()}, nil
	}
	if action != "publish" {
		return UnknownEvent{topic: topic, Type: kind}, nil
	}
	return EntryUpsertEvent{topic: topic, Entry: catalog.Entry{Sys: payload.Sys, Fields: payload.Fields}}, nil
}

func splitTopic(topic string) (entity, action string) {
	parts := strings.Split(strings.TrimSpace(topic), ".")
	if len(parts) != 3 {
		return "", ""
	}
	return parts[1], strings.ToLower(parts[2])
}
