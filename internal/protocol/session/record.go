package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/xframe/internal/protocol/schema"
)

const (
	MethodOpen     = "open"
	MethodClose    = "close"
	MethodInvoke   = "invoke"
	MethodCallback = "callback"
)

var (
	ErrClientNotFound  = errors.New("session: client not found")
	ErrNoResolver      = errors.New("session: no callback resolver")
	ErrInvalidRecord   = errors.New("session: invalid client record")
	ErrNotImplemented  = errors.New("session: surface method not implemented")
	ErrInvalidArgument = errors.New("session: invalid argument")
)

// ClientRecord announces one logical client on a connection.
type ClientRecord struct {
	ClientID string       `json:"clientId"`
	Settings *schema.Wire `json:"settings,omitempty"`
}

// NewClientRecord wraps settings; a nil entity means no settings.
func NewClientRecord(clientID string, settings schema.Entity) ClientRecord {
	rec := ClientRecord{ClientID: clientID}
	if settings != nil {
		rec.Settings = &schema.Wire{Entity: settings}
	}
	return rec
}

// SettingsEntity returns the settings entity or nil.
func (r ClientRecord) SettingsEntity() schema.Entity {
	if r.Settings == nil {
		return nil
	}
	return r.Settings.Entity
}

func (r ClientRecord) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("%w: missing clientId", ErrInvalidRecord)
	}
	if settings := r.SettingsEntity(); settings != nil {
		if err := schema.Validate(settings); err != nil {
			return fmt.Errorf("%w: settings: %w", ErrInvalidRecord, err)
		}
	}
	return nil
}

func validateArgs(args []schema.Entity) error {
	for i, arg := range args {
		if err := schema.Validate(arg); err != nil {
			return fmt.Errorf("%w: argument %d: %w", ErrInvalidArgument, i, err)
		}
	}
	return nil
}

func validateCallback(cb schema.Callback) error {
	if err := schema.Validate(cb); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return nil
}
