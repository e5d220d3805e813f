package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"qa-chat/internal/domain"
	"qa-chat/internal/integrations/qaapi"
)

const (
	defaultRetryDelay = time.Second
	loadTimeout       = 15 * time.Second
)

// TranscriptStore is the persistence port; repository.Router satisfies it.
type TranscriptStore interface {
	Load(ctx context.Context, identity domain.Identity) (domain.Snapshot, error)
	Save(ctx context.Context, identity domain.Identity, messages []domain.Message) (domain.Snapshot, error)
	Watch(ctx context.Context, identity domain.Identity, fn func(domain.Snapshot)) (stop func(), err error)
}

type IdentitySource interface {
	Subscribe(fn func(domain.Identity)) (unsubscribe func())
}

// TokenSource yields the bearer credential of the signed-in account.
type TokenSource interface {
	IDToken(ctx context.Context) (string, error)
}

type Answerer interface {
	Ask(ctx context.Context, question, bearer string) (json.RawMessage, error)
}

type Uploader interface {
	Upload(ctx context.Context, filename string, content io.Reader, bearer string) (qaapi.UploadResult, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type Options struct {
	// GuestDispatch lets guests ask questions without a bearer credential.
	GuestDispatch bool
	MaxRetries    int
	RetryDelay    time.Duration
}

type Outcome string

const (
	OutcomeAnswered        Outcome = "answered"
	OutcomeIgnored         Outcome = "ignored"
	OutcomeUnauthenticated Outcome = "unauthenticated"
	OutcomeFailed          Outcome = "failed"
	OutcomeMalformed       Outcome = "malformed"
)

type SubmitOutput struct {
	Outcome     Outcome
	UserMessage domain.Message
	AIMessage   *domain.Message
	// PersistErr is set when a transcript write failed. The submission
	// still ran to completion.
	PersistErr error
}

type UploadOutput struct {
	Filename string
	Response map[string]any
}

// Transcript is what the presentation renders.
type Transcript struct {
	Identity domain.Identity
	Messages []domain.Message
}

// ChatService runs the message pipeline for whichever identity is active.
type ChatService struct {
	store    TranscriptStore
	ids      IdentitySource
	tokens   TokenSource
	qa       Answerer
	uploader Uploader
	logger   *slog.Logger
	opts     Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// writeMu serializes every read-modify-write of the transcript.
	writeMu sync.Mutex

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	identity    domain.Identity
	resolved    bool
	gen         uint64
	loaded      chan struct{} // closed once the active identity's transcript is loaded
	messages    []domain.Message
	version     int64
	stopWatch   func()
	unsubscribe func()
	listeners   map[int]func(Transcript)
	nextID      int
}

func NewChatService(store TranscriptStore, ids IdentitySource, tokens TokenSource, qa Answerer, uploader Uploader, logger *slog.Logger, opts Options) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: transcript store must not be nil")
	}
	if ids == nil {
		return nil, errors.New("usecase: identity source must not be nil")
	}
	if tokens == nil {
		return nil, errors.New("usecase: token source must not be nil")
	}
	if qa == nil {
		return nil, errors.New("usecase: answerer must not be nil")
	}
	if uploader == nil {
		return nil, errors.New("usecase: uploader must not be nil")
	}
	if logger == nil {
		return nil, errors.New("usecase: logger must not be nil")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	return &ChatService{
		store:     store,
		ids:       ids,
		tokens:    tokens,
		qa:        qa,
		uploader:  uploader,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		sleep:     sleepContext,
		listeners: make(map[int]func(Transcript)),
	}, nil
}

// Start follows the identity source. The first identity is loaded before
// Start returns when the source delivers it synchronously.
func (s *ChatService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.unsubscribe = func() {}
	s.mu.Unlock()

	unsubscribe := s.ids.Subscribe(s.switchIdentity)

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
}

// Close releases the identity subscription and the transcript watch.
func (s *ChatService) Close() {
	s.mu.Lock()
	unsubscribe, stop, cancel := s.unsubscribe, s.stopWatch, s.cancel
	s.unsubscribe, s.stopWatch, s.cancel = nil, nil, nil
	s.gen++
	s.resolved = false
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if stop != nil {
		stop()
	}
	if cancel != nil {
		cancel()
	}
}

// OnChange registers fn to run after every transcript or identity change.
func (s *ChatService) OnChange(fn func(Transcript)) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *ChatService) Transcript() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Transcript{Identity: s.identity, Messages: domain.Clone(s.messages)}
}

func (s *ChatService) Identity() (domain.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.resolved
}

// Submit sends one question through the pipeline. The returned error is a
// *Error whose code matches the outcome; it is nil only when the question
// was answered.
func (s *ChatService) Submit(ctx context.Context, question string) (SubmitOutput, error) {
	if strings.TrimSpace(question) == "" {
		return SubmitOutput{Outcome: OutcomeIgnored}, newError(ErrorInvalidInput, "empty_question", nil)
	}
	content := Sanitize(question)
	if content == "" {
		return SubmitOutput{Outcome: OutcomeIgnored}, newError(ErrorInvalidInput, "empty_question", nil)
	}

	ident, gen, ok := s.active()
	if !ok {
		return SubmitOutput{Outcome: OutcomeIgnored}, newError(ErrorInternal, "identity_unresolved", nil)
	}

	userMsg := domain.NewMessage(newUUID(), content, domain.SenderUser, domain.StatusSent, s.now())
	out := SubmitOutput{Outcome: OutcomeFailed, UserMessage: userMsg}
	if err := s.commit(ctx, ident, gen, func(msgs []domain.Message) ([]domain.Message, bool) {
		return domain.Append(msgs, userMsg), true
	}); err != nil {
		out.PersistErr = s.persistError(ident, "save_user_message", err)
	}

	bearer := ""
	switch {
	case ident.IsAuthenticated():
		token, err := s.tokens.IDToken(ctx)
		if err != nil {
			s.logger.Warn("bearer credential unavailable", "uid", ident.User.UID, "err", err)
			out.Outcome = OutcomeUnauthenticated
			return out, newError(ErrorUnauthenticated, "token_unavailable", err)
		}
		bearer = token
	case !s.opts.GuestDispatch:
		s.logger.Info("question not dispatched for guest", "guest_id", ident.GuestID, "message_id", userMsg.ID)
		out.Outcome = OutcomeUnauthenticated
		return out, newError(ErrorUnauthenticated, "guest_dispatch_disabled", nil)
	}

	raw, err := s.ask(ctx, content, bearer)
	if err != nil {
		s.logger.Error("qa request failed", "message_id", userMsg.ID, "err", err)
		out.UserMessage.Status = domain.StatusError
		if perr := s.markError(ctx, ident, gen, userMsg.ID); perr != nil && out.PersistErr == nil {
			out.PersistErr = perr
		}
		reason := "qa_request_failed"
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			reason = "qa_rate_limited"
		}
		return out, newError(ErrorUpstream, reason, err)
	}

	answer, err := parseAnswer(raw)
	if err != nil {
		s.logger.Error("qa response malformed", "message_id", userMsg.ID, "err", err)
		out.Outcome = OutcomeMalformed
		out.UserMessage.Status = domain.StatusError
		if perr := s.markError(ctx, ident, gen, userMsg.ID); perr != nil && out.PersistErr == nil {
			out.PersistErr = perr
		}
		return out, newError(ErrorMalformedResponse, "qa_malformed_response", err)
	}

	aiMsg := domain.NewMessage(newUUID(), answer, domain.SenderAI, domain.StatusDelivered, s.now())
	out.Outcome = OutcomeAnswered
	out.AIMessage = &aiMsg
	if err := s.commit(ctx, ident, gen, func(msgs []domain.Message) ([]domain.Message, bool) {
		return domain.Append(msgs, aiMsg), true
	}); err != nil && out.PersistErr == nil {
		out.PersistErr = s.persistError(ident, "save_ai_message", err)
	}
	return out, nil
}

// Clear empties the active transcript.
func (s *ChatService) Clear(ctx context.Context) error {
	ident, gen, ok := s.active()
	if !ok {
		return newError(ErrorInternal, "identity_unresolved", nil)
	}
	if err := s.commit(ctx, ident, gen, func([]domain.Message) ([]domain.Message, bool) {
		return []domain.Message{}, true
	}); err != nil {
		return s.persistError(ident, "clear_transcript", err)
	}
	s.logger.Info("transcript cleared", "identity", ident.Key())
	return nil
}

// Upload sends a PDF to the QA backend. It does not touch the transcript.
func (s *ChatService) Upload(ctx context.Context, filename string, content io.Reader) (UploadOutput, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if content == nil || name == "" || name == "." || !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return UploadOutput{}, newError(ErrorInvalidInput, "not_a_pdf", nil)
	}
	ident, _, ok := s.active()
	if !ok || !ident.IsAuthenticated() {
		return UploadOutput{}, newError(ErrorUnauthenticated, "upload_requires_account", nil)
	}
	token, err := s.tokens.IDToken(ctx)
	if err != nil {
		s.logger.Warn("bearer credential unavailable", "uid", ident.User.UID, "err", err)
		return UploadOutput{}, newError(ErrorUnauthenticated, "token_unavailable", err)
	}

	res, err := s.uploader.Upload(ctx, name, content, token)
	if err != nil {
		s.logger.Error("pdf upload failed", "uid", ident.User.UID, "file", name, "err", err)
		return UploadOutput{}, newError(ErrorUpstream, "pdf_upload_failed", err)
	}
	s.logger.Info("pdf uploaded", "uid", ident.User.UID, "file", res.Filename)
	return UploadOutput{Filename: res.Filename, Response: res.Response}, nil
}

func (s *ChatService) active() (domain.Identity, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.gen, s.resolved
}

// switchIdentity loads and watches the transcript of ident. Store I/O runs
// without writeMu; commits for the new identity wait on s.loaded instead.
func (s *ChatService) switchIdentity(ident domain.Identity) {
	s.mu.Lock()
	if s.cancel == nil || (s.resolved && s.identity.Equal(ident)) {
		s.mu.Unlock()
		return
	}
	prevStop := s.stopWatch
	s.stopWatch = nil
	s.gen++
	gen := s.gen
	s.identity = ident
	s.resolved = true
	s.messages = nil
	s.version = 0
	loaded := make(chan struct{})
	s.loaded = loaded
	ctx := s.ctx
	s.mu.Unlock()

	if prevStop != nil {
		prevStop()
	}

	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	snap, err := s.store.Load(loadCtx, ident)
	cancel()
	if err != nil {
		s.logger.Error("transcript load failed", "identity", ident.Key(), "err", err)
	} else {
		s.mu.Lock()
		if s.gen == gen {
			s.messages = snap.Messages
			s.version = snap.Version
		}
		s.mu.Unlock()
	}
	close(loaded)
	s.notify()

	stop, err := s.store.Watch(ctx, ident, func(snap domain.Snapshot) { s.applyRemote(gen, snap) })
	if err != nil {
		s.logger.Error("transcript watch failed", "identity", ident.Key(), "err", err)
		return
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		stop()
		return
	}
	s.stopWatch = stop
	s.mu.Unlock()
}

// applyRemote adopts a store notification unless it predates the last
// version this service wrote or saw.
func (s *ChatService) applyRemote(gen uint64, snap domain.Snapshot) {
	s.writeMu.Lock()
	s.mu.Lock()
	if s.gen != gen || snap.Version < s.version {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return
	}
	s.messages = domain.Clone(snap.Messages)
	s.version = snap.Version
	s.mu.Unlock()
	s.writeMu.Unlock()
	s.notify()
}

// commit applies change to the transcript of ident and saves the result.
// When ident is no longer active the change goes to its stored transcript
// instead of the in-memory one.
func (s *ChatService) commit(ctx context.Context, ident domain.Identity, gen uint64, change func([]domain.Message) ([]domain.Message, bool)) error {
	s.mu.Lock()
	loaded := s.loaded
	waiting := s.gen == gen && loaded != nil
	s.mu.Unlock()
	if waiting {
		select {
		case <-loaded:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	current := s.gen == gen
	base := s.messages
	s.mu.Unlock()

	if !current {
		snap, err := s.store.Load(ctx, ident)
		if err != nil {
			return err
		}
		base = snap.Messages
	}
	next, changed := change(base)
	if !changed {
		return nil
	}
	if current {
		s.mu.Lock()
		if s.gen == gen {
			s.messages = next
		}
		s.mu.Unlock()
		s.notify()
	}

	snap, err := s.store.Save(ctx, ident, next)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.gen == gen && snap.Version > s.version {
		s.version = snap.Version
	}
	s.mu.Unlock()
	return nil
}

func (s *ChatService) markError(ctx context.Context, ident domain.Identity, gen uint64, id string) error {
	err := s.commit(ctx, ident, gen, func(msgs []domain.Message) ([]domain.Message, bool) {
		return domain.WithStatus(msgs, id, domain.StatusError)
	})
	if err != nil {
		return s.persistError(ident, "mark_message_error", err)
	}
	return nil
}

func (s *ChatService) persistError(ident domain.Identity, reason string, err error) error {
	s.logger.Error("transcript write failed", "identity", ident.Key(), "reason", reason, "err", err)
	return newError(ErrorPersistence, reason, err)
}

func (s *ChatService) ask(ctx context.Context, question, bearer string) (json.RawMessage, error) {
	var err error
	for attempt := 0; ; attempt++ {
		var raw json.RawMessage
		raw, err = s.qa.Ask(ctx, question, bearer)
		if err == nil {
			return raw, nil
		}
		if attempt >= s.opts.MaxRetries || !retryable(ctx, err) {
			return nil, err
		}
		s.logger.Warn("qa request failed, retrying", "attempt", attempt+1, "err", err)
		if serr := s.sleep(ctx, s.opts.RetryDelay); serr != nil {
			return nil, err
		}
	}
}

func (s *ChatService) notify() {
	s.mu.Lock()
	t := Transcript{Identity: s.identity, Messages: domain.Clone(s.messages)}
	fns := make([]func(Transcript), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

// retryable reports whether err is a network failure, 429 or 5xx.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	status, ok := upstreamStatusCode(err)
	if !ok {
		return true
	}
	return status == http.StatusTooManyRequests || status >= 500
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
