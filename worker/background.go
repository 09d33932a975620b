// Package worker implements the background context: it persists editor
// data for content contexts, opens HTML previews, and tells content
// contexts when their tab navigates.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rbaliyan/secmsg"
	"github.com/rbaliyan/secmsg/agent"
)

// Message keys, content to background.
const (
	KeyShowHTMLWindow  = "showhtmlwindow:"
	KeySaveDataRequest = "savedatarequest:"
	KeyLoadDataRequest = "loaddatarequest:"
)

// Message keys, background to content.
const (
	KeyURLUpdatedEvent = "urlupdatedEvent:"
	KeyLoadedData      = "loadeddata:"
)

// Alert names.
const (
	AlertDatabaseOpen = "DatabaseOpen"
	AlertDatabaseSave = "DatabaseSave"
	AlertDatabaseLoad = "DatabaseLoad"
	AlertURLUpdated   = "URLUpdated"
	AlertShowPreview  = "ShowPreview"
)

// DefaultChatOrigin is the origin whose tabs receive URL update events.
const DefaultChatOrigin = "https://chat.openai.com"

// ErrMissingSubKey is returned for save and load requests without a
// subKey.
var ErrMissingSubKey = errors.New("worker: missing subKey")

// Store persists saved data.
type Store interface {
	Open(ctx context.Context) error
	Get(ctx context.Context, key string) (string, bool, error)
	Save(ctx context.Context, key, value string) error
}

// Previewer displays an HTML document.
type Previewer interface {
	ShowHTML(ctx context.Context, html string) error
}

// Messenger is the agent the worker talks through. *agent.Agent
// implements it.
type Messenger interface {
	AddListener(h agent.Handler) error
	RemoveListener() error
	SendMessage(ctx context.Context, payload secmsg.MessageData, dest agent.Destination) (*secmsg.MessageData, error)
}

var _ Messenger = (*agent.Agent)(nil)

// Option configures a Background.
type Option func(*Background)

// WithPreviewer sets where HTML previews go. Without one, preview requests
// are logged and ignored.
func WithPreviewer(p Previewer) Option {
	return func(b *Background) { b.previewer = p }
}

// WithChatOrigin sets the origin whose tabs receive URL update events.
func WithChatOrigin(origin string) Option {
	return func(b *Background) {
		if origin != "" {
			b.chatOrigin = origin
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Background) { b.log = l }
}

// Background serves content contexts over the runtime transport.
type Background struct {
	messenger  Messenger
	store      Store
	previewer  Previewer
	chatOrigin string
	log        zerolog.Logger
}

// New creates a Background. Call Start to begin serving.
func New(m Messenger, s Store, opts ...Option) (*Background, error) {
	if m == nil {
		return nil, fmt.Errorf("worker: nil messenger")
	}
	if s == nil {
		return nil, fmt.Errorf("worker: nil store")
	}
	b := &Background{
		messenger:  m,
		store:      s,
		chatOrigin: DefaultChatOrigin,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if origin, ok := originOf(b.chatOrigin); ok {
		b.chatOrigin = origin
	}
	return b, nil
}

// defaultPorts are dropped from origins, as browsers do.
var defaultPorts = map[string]string{"http": "80", "https": "443", "ws": "80", "wss": "443"}

// originOf returns the serialized origin of rawURL: lower-case scheme and
// host, with the scheme's default port removed.
func originOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}
	if port != "" {
		return scheme + "://" + net.JoinHostPort(host, port), true
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host, true
}

// Start opens the store and registers the message handler. A store that
// cannot be opened is reported as a DatabaseOpen alert.
func (b *Background) Start(ctx context.Context) error {
	if err := b.store.Open(ctx); err != nil {
		return secmsg.Alert(AlertDatabaseOpen, err)
	}
	if err := b.messenger.AddListener(b.handle); err != nil {
		return fmt.Errorf("worker: add listener: %w", err)
	}
	b.log.Info().Msg("Background worker started")
	return nil
}

// Stop unregisters the message handler.
func (b *Background) Stop() error {
	return b.messenger.RemoveListener()
}

func (b *Background) handle(ctx context.Context, msg agent.Message) (*secmsg.MessageData, error) {
	switch msg.Data.Key {
	case KeyShowHTMLWindow:
		return nil, b.showPreview(ctx, msg.Data)
	case KeySaveDataRequest:
		return nil, b.save(ctx, msg.Data)
	case KeyLoadDataRequest:
		return b.load(ctx, msg.Data)
	default:
		b.log.Debug().Str("key", msg.Data.Key).Int("tab", msg.TabID).Msg("Unhandled message key")
		return nil, nil
	}
}

func (b *Background) showPreview(ctx context.Context, m secmsg.MessageData) error {
	if b.previewer == nil {
		b.log.Info().Int("bytes", len(m.Message)).Msg("Preview requested, no previewer configured")
		return nil
	}
	return secmsg.Alert(AlertShowPreview, b.previewer.ShowHTML(ctx, m.Message))
}

func (b *Background) save(ctx context.Context, m secmsg.MessageData) error {
	if m.SubKey == "" {
		return secmsg.Alert(AlertDatabaseSave, ErrMissingSubKey)
	}
	return secmsg.Alert(AlertDatabaseSave, b.store.Save(ctx, m.SubKey, m.Message))
}

func (b *Background) load(ctx context.Context, m secmsg.MessageData) (*secmsg.MessageData, error) {
	if m.SubKey == "" {
		return nil, secmsg.Alert(AlertDatabaseLoad, ErrMissingSubKey)
	}
	value, _, err := b.store.Get(ctx, m.SubKey)
	if err != nil {
		return nil, secmsg.Alert(AlertDatabaseLoad, err)
	}
	return &secmsg.MessageData{Key: KeyLoadedData, Message: value, SubKey: m.SubKey}, nil
}

// NotifyURLChanged tells the content context of tabID that its tab
// navigated. Only active tabs whose new URL is on the chat origin are
// notified; other updates are ignored.
func (b *Background) NotifyURLChanged(ctx context.Context, tabID int, rawURL string, active bool) error {
	if !active || rawURL == "" {
		return nil
	}
	origin, ok := originOf(rawURL)
	if !ok {
		b.log.Debug().Str("url", rawURL).Int("tab", tabID).Msg("Unparsable tab URL ignored")
		return nil
	}
	if origin != b.chatOrigin {
		return nil
	}

	_, err := b.messenger.SendMessage(ctx, secmsg.MessageData{Key: KeyURLUpdatedEvent}, agent.Destination{TabID: tabID})
	return secmsg.Alert(AlertURLUpdated, err)
}
