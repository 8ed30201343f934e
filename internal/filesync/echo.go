// Package filesync mirrors the set of files selected for a project across the
// participants of its conversations.
package filesync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Link is a receive-only text subscription. *channel.Channel implements it.
type Link interface {
	OnMessage(handler func(string))
	Start()
	Stop()
}

// Backend is the selected-files REST surface. *api.Client implements it.
type Backend interface {
	FetchSelectedFiles(ctx context.Context, projectID int64) ([]string, error)
	SendSelectedFiles(ctx context.Context, projectID int64, files []string) error
}

// Echo holds the selection of one project. selected is what the local user
// picked and is what gets pushed; visible is what the last frame (or the local
// pick) says and is what gets shown. Every inbound frame is the complete
// selection and replaces visible only.
type Echo struct {
	projectID int64
	link      Link
	backend   Backend
	logger    zerolog.Logger

	mu       sync.Mutex
	selected []string
	picked   bool
	visible  []string
	onChange func()
	stopped  bool
}

// New wires link; call Start to seed and connect.
func New(projectID int64, link Link, backend Backend, logger zerolog.Logger) *Echo {
	e := &Echo{
		projectID: projectID,
		link:      link,
		backend:   backend,
		logger:    logger.With().Str("component", "filesync").Int64("project_id", projectID).Logger(),
	}
	link.OnMessage(e.handle)
	return e
}

// Start seeds the selection from the REST API, then opens the socket. A failed
// seed is logged and ignored.
func (e *Echo) Start(ctx context.Context) {
	files, err := e.backend.FetchSelectedFiles(ctx, e.projectID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("fetch selected files failed")
	} else {
		e.replace(files)
	}
	e.link.Start()
}

// Stop 关闭文件选择通道，之后到达的帧被忽略。
func (e *Echo) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.link.Stop()
}

// OnChange registers a callback fired after the selection changes.
func (e *Echo) OnChange(fn func()) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// Select replaces the local selection and publishes it. The local set is kept
// even if publishing fails.
func (e *Echo) Select(ctx context.Context, files []string) error {
	e.mu.Lock()
	e.selected = append([]string{}, files...)
	e.picked = true
	e.mu.Unlock()

	e.replace(files)
	if err := e.backend.SendSelectedFiles(ctx, e.projectID, e.Selected()); err != nil {
		e.logger.Warn().Err(err).Msg("publish selected files failed")
		return err
	}
	return nil
}

// Push republishes the local selection, e.g. right before a message is sent.
// Nothing is sent until Select has been called at least once.
func (e *Echo) Push(ctx context.Context) error {
	e.mu.Lock()
	picked := e.picked
	files := append([]string{}, e.selected...)
	e.mu.Unlock()

	if !picked {
		return nil
	}
	if err := e.backend.SendSelectedFiles(ctx, e.projectID, files); err != nil {
		e.logger.Warn().Err(err).Msg("push selected files failed")
		return err
	}
	return nil
}

// Selected returns a copy of the locally picked files.
func (e *Echo) Selected() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.selected...)
}

// Visible returns a copy of the current selection.
func (e *Echo) Visible() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.visible...)
}

func (e *Echo) handle(text string) {
	var files []string
	if err := json.Unmarshal([]byte(text), &files); err != nil {
		e.logger.Warn().Err(err).Msg("malformed selected-files frame dropped")
		return
	}
	e.replace(files)
}

func (e *Echo) replace(files []string) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.visible = append([]string{}, files...)
	fn := e.onChange
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}
