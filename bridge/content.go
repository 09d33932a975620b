// Package bridge implements the content context. It relays between the
// editor frame (window transport) and the background (runtime transport).
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rbaliyan/secmsg"
	"github.com/rbaliyan/secmsg/agent"
	"github.com/rbaliyan/secmsg/worker"
)

// Message keys, editor to content.
const (
	KeyClipboardSaveRequest = "ClipboardSaveRequest"
	KeySaveDataRequest      = "SaveDataRequest"
	KeyTabChangedEvent      = "TabChangedEvent"
)

// Message keys, content to editor. ClipboardSaveRequest is used in both
// directions: content asks the editor for its text, the editor answers
// with the text to copy.
const (
	KeyTabUpdateRequest = "TabUpdateRequest"
	KeyReplyLoadedData  = "ReplyLoadedData"
)

// Alert names.
const (
	AlertClipboardSave           = "ClipboardSave"
	AlertDatabaseSave            = worker.AlertDatabaseSave
	AlertDatabaseLoad            = worker.AlertDatabaseLoad
	AlertTabUpdate               = "TabUpdate"
	AlertDispatchTabChangedEvent = "DispatchTabChangedEvent"
)

var (
	// ErrNoClipboard is returned for clipboard requests when no Clipboard
	// is configured.
	ErrNoClipboard = errors.New("bridge: no clipboard configured")

	// ErrUnexpectedReply is returned when the background answers a load
	// request with something other than loaded data.
	ErrUnexpectedReply = errors.New("bridge: unexpected reply")
)

// Clipboard receives text the editor asks to copy.
type Clipboard interface {
	WriteText(ctx context.Context, text string) error
}

// Option configures a Content.
type Option func(*Content)

// WithClipboard sets the clipboard.
func WithClipboard(c Clipboard) Option {
	return func(b *Content) { b.clipboard = c }
}

// OnURLUpdated sets the callback run when the background reports that the
// tab navigated.
func OnURLUpdated(fn func(ctx context.Context) error) Option {
	return func(b *Content) { b.onURLUpdated = fn }
}

// OnTabChanged sets the callback run when the editor switches tabs. It
// receives the new tab's subKey.
func OnTabChanged(fn func(ctx context.Context, subKey string) error) Option {
	return func(b *Content) { b.onTabChanged = fn }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Content) { b.log = l }
}

// Content relays messages for one tab.
type Content struct {
	background worker.Messenger
	editor     worker.Messenger
	editorDest agent.Destination

	clipboard    Clipboard
	onURLUpdated func(ctx context.Context) error
	onTabChanged func(ctx context.Context, subKey string) error
	log          zerolog.Logger
}

// New creates a Content. background talks to the background context over
// the runtime transport; editor talks to the editor frame at editorDest
// over the window transport.
func New(background, editor worker.Messenger, editorDest agent.Destination, opts ...Option) (*Content, error) {
	if background == nil || editor == nil {
		return nil, fmt.Errorf("bridge: nil messenger")
	}
	if editorDest.TargetOrigin == "" || editorDest.TargetOrigin == "*" {
		return nil, fmt.Errorf("%w: %q", agent.ErrTargetOriginRequired, editorDest.TargetOrigin)
	}
	b := &Content{
		background: background,
		editor:     editor,
		editorDest: editorDest,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Start registers handlers on both agents.
func (b *Content) Start(ctx context.Context) error {
	if err := b.background.AddListener(b.handleBackground); err != nil {
		return fmt.Errorf("bridge: background listener: %w", err)
	}
	if err := b.editor.AddListener(b.handleEditor); err != nil {
		_ = b.background.RemoveListener()
		return fmt.Errorf("bridge: editor listener: %w", err)
	}
	return nil
}

// Stop unregisters both handlers.
func (b *Content) Stop() error {
	return errors.Join(b.editor.RemoveListener(), b.background.RemoveListener())
}

func (b *Content) handleEditor(ctx context.Context, msg agent.Message) (*secmsg.MessageData, error) {
	m := msg.Data
	switch m.Key {
	case KeyClipboardSaveRequest:
		if b.clipboard == nil {
			return nil, secmsg.Alert(AlertClipboardSave, ErrNoClipboard)
		}
		return nil, secmsg.Alert(AlertClipboardSave, b.clipboard.WriteText(ctx, m.Message))

	case KeySaveDataRequest:
		if m.SubKey == "" {
			return nil, secmsg.Alert(AlertDatabaseSave, worker.ErrMissingSubKey)
		}
		_, err := b.background.SendMessage(ctx, secmsg.MessageData{
			Key:     worker.KeySaveDataRequest,
			SubKey:  m.SubKey,
			Message: m.Message,
		}, agent.Destination{})
		return nil, secmsg.Alert(AlertDatabaseSave, err)

	case KeyTabChangedEvent:
		if b.onTabChanged == nil {
			return nil, nil
		}
		return nil, secmsg.Alert(AlertDispatchTabChangedEvent, b.onTabChanged(ctx, m.SubKey))

	default:
		b.log.Debug().Str("key", m.Key).Msg("Unhandled editor message key")
		return nil, nil
	}
}

func (b *Content) handleBackground(ctx context.Context, msg agent.Message) (*secmsg.MessageData, error) {
	if msg.Data.Key != worker.KeyURLUpdatedEvent {
		b.log.Debug().Str("key", msg.Data.Key).Msg("Unhandled background message key")
		return nil, nil
	}
	if b.onURLUpdated == nil {
		return nil, nil
	}
	return nil, b.onURLUpdated(ctx)
}

// LoadData asks the background for the data saved under subKey and posts
// it to the editor.
func (b *Content) LoadData(ctx context.Context, subKey string) error {
	if subKey == "" {
		return secmsg.Alert(AlertDatabaseLoad, worker.ErrMissingSubKey)
	}
	resp, err := b.background.SendMessage(ctx, secmsg.MessageData{
		Key:    worker.KeyLoadDataRequest,
		SubKey: subKey,
	}, agent.Destination{})
	if err != nil {
		return secmsg.Alert(AlertDatabaseLoad, err)
	}
	if resp == nil || resp.Key != worker.KeyLoadedData {
		return secmsg.Alert(AlertDatabaseLoad, ErrUnexpectedReply)
	}
	return b.post(ctx, secmsg.MessageData{Key: KeyReplyLoadedData, SubKey: subKey, Message: resp.Message}, AlertDatabaseLoad)
}

// UpdateTab sends code to the editor tab named by subKey.
func (b *Content) UpdateTab(ctx context.Context, subKey, code string) error {
	return b.post(ctx, secmsg.MessageData{Key: KeyTabUpdateRequest, SubKey: subKey, Message: code}, AlertTabUpdate)
}

// RequestClipboardSave asks the editor to send its current text for the
// clipboard.
func (b *Content) RequestClipboardSave(ctx context.Context) error {
	return b.post(ctx, secmsg.MessageData{Key: KeyClipboardSaveRequest}, AlertClipboardSave)
}

func (b *Content) post(ctx context.Context, m secmsg.MessageData, alert string) error {
	_, err := b.editor.SendMessage(ctx, m, b.editorDest)
	return secmsg.Alert(alert, err)
}
