// Package handler is the console front end: it turns pipeline outcomes into
// lines a person reads and reads questions and commands from input.
package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"qa-chat/internal/domain"
	"qa-chat/internal/render"
	"qa-chat/internal/usecase"
)

type ChatUseCase interface {
	Submit(ctx context.Context, question string) (usecase.SubmitOutput, error)
	Clear(ctx context.Context) error
	Upload(ctx context.Context, filename string, content io.Reader) (usecase.UploadOutput, error)
	Transcript() usecase.Transcript
	OnChange(fn func(usecase.Transcript)) (remove func())
}

const helpText = `Commands:
  /history         show the whole transcript
  /clear           delete the transcript
  /upload <file>   attach a PDF to the knowledge base
  /help            show this help
  /quit            leave
Anything else is sent as a question.`

type Console struct {
	chat ChatUseCase
	out  io.Writer
	term *render.Terminal

	mu      sync.Mutex
	key     string
	printed map[string]domain.Status
}

func NewConsole(chat ChatUseCase, out io.Writer, term *render.Terminal) (*Console, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if out == nil {
		return nil, errors.New("handler: output must not be nil")
	}
	return &Console{chat: chat, out: out, term: term, printed: make(map[string]domain.Status)}, nil
}

// Ask submits one question and prints the reply or a notice. The pipeline
// error is returned so callers can set an exit status.
func (c *Console) Ask(ctx context.Context, question string) error {
	out, err := c.chat.Submit(ctx, question)
	c.mu.Lock()
	defer c.mu.Unlock()
	if out.AIMessage != nil {
		c.writeMessage(*out.AIMessage)
	}
	c.notices(out, err)
	return err
}

// History prints the whole transcript of the active identity.
func (c *Console) History() {
	t := c.chat.Transcript()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHeader(t.Identity)
	if len(t.Messages) == 0 {
		fmt.Fprintln(c.out, "No messages yet.")
		return
	}
	for _, m := range t.Messages {
		c.writeMessage(m)
	}
}

func (c *Console) Clear(ctx context.Context) error {
	if err := c.chat.Clear(ctx); err != nil {
		c.notice(err)
		return err
	}
	c.mu.Lock()
	c.printed = make(map[string]domain.Status)
	c.mu.Unlock()
	c.line("History cleared.")
	return nil
}

func (c *Console) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		c.line("Cannot open " + path + ": " + err.Error())
		return err
	}
	defer f.Close()

	res, err := c.chat.Upload(ctx, path, f)
	if err != nil {
		c.notice(err)
		return err
	}
	c.line("Attached " + res.Filename + ".")
	return nil
}

// Run is the interactive loop. Messages are printed as the transcript
// changes, including writes from other devices.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	remove := c.chat.OnChange(c.onChange)
	defer remove()
	c.onChange(c.chat.Transcript())
	c.line("Type /help for commands.")

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		c.prompt()
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "":
		case "/quit", "/exit":
			return nil
		case "/help":
			c.line(helpText)
		case "/history":
			c.History()
		case "/clear":
			_ = c.Clear(ctx)
		case "/upload":
			if strings.TrimSpace(arg) == "" {
				c.line("Usage: /upload <file.pdf>")
				continue
			}
			_ = c.Upload(ctx, strings.TrimSpace(arg))
		default:
			out, err := c.chat.Submit(ctx, line)
			c.mu.Lock()
			c.notices(out, err)
			c.mu.Unlock()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return sc.Err()
}

func (c *Console) onChange(t usecase.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key := t.Identity.Key(); key != c.key {
		c.key = key
		c.printed = make(map[string]domain.Status)
		c.writeHeader(t.Identity)
	}
	for _, m := range t.Messages {
		prev, seen := c.printed[m.ID]
		switch {
		case !seen:
			c.writeMessage(m)
		case prev != m.Status && m.Status == domain.StatusError:
			c.printed[m.ID] = m.Status
			fmt.Fprintf(c.out, "  (not answered: %s)\n", truncate(render.Plain(m.Content), 40))
		}
	}
}

// notices prints what went wrong with a submission; callers hold c.mu.
func (c *Console) notices(out usecase.SubmitOutput, err error) {
	if err != nil {
		fmt.Fprintln(c.out, Notice(err))
	}
	if out.PersistErr != nil {
		fmt.Fprintln(c.out, Notice(out.PersistErr))
	}
}

func (c *Console) notice(err error) {
	c.line(Notice(err))
}

func (c *Console) line(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func (c *Console) prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, "> ")
}

func (c *Console) writeHeader(ident domain.Identity) {
	fmt.Fprintln(c.out, IdentityLine(ident))
}

func (c *Console) writeMessage(m domain.Message) {
	c.printed[m.ID] = m.Status
	if m.Sender == domain.SenderAI {
		fmt.Fprintln(c.out, "Assistant:")
		fmt.Fprint(c.out, c.term.Markdown(m.Content))
		return
	}
	suffix := ""
	if m.Status == domain.StatusError {
		suffix = "  [not answered]"
	}
	fmt.Fprintf(c.out, "You: %s%s\n", render.Plain(m.Content), suffix)
}

// IdentityLine describes who the chat is speaking for.
func IdentityLine(ident domain.Identity) string {
	if !ident.IsAuthenticated() {
		return "Chatting as a guest. Sign in to keep your history across devices."
	}
	u := ident.User
	name := u.DisplayName
	if name == "" {
		name = u.Email
	}
	if u.Email != "" && u.Email != name {
		return fmt.Sprintf("Signed in as %s <%s>", name, u.Email)
	}
	return "Signed in as " + name
}

// Notice maps a pipeline or account error to the line shown to the user.
func Notice(err error) string {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return "Something went wrong."
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		switch ue.Reason {
		case "not_a_pdf":
			return "Only .pdf files can be uploaded."
		case "missing_email", "missing_password":
			return "Email and password are required."
		case "missing_provider_token":
			return "Pass --id-token or --access-token from the provider."
		}
		return "Type a question first."
	case usecase.ErrorUnauthenticated:
		switch ue.Reason {
		case "guest_dispatch_disabled":
			return "Sign in to get answers. Your question was saved."
		case "upload_requires_account":
			return "Sign in to upload documents."
		case "token_unavailable":
			return "Your session has expired. Sign in again."
		case "invalid_login_credentials", "invalid_password", "email_not_found":
			return "Wrong email or password."
		case "email_exists":
			return "An account with that email already exists."
		case "weak_password":
			return "That password is too weak."
		}
		return "Sign in failed."
	case usecase.ErrorUpstream:
		switch ue.Reason {
		case "qa_rate_limited":
			return "The assistant is busy. Try again in a moment."
		case "pdf_upload_failed":
			return "Upload failed."
		case "qa_request_failed":
			return "The assistant could not be reached. Your question is marked as not answered."
		case "sign_up_failed", "sign_in_failed", "sign_in_with_idp_failed":
			return "The sign-in service could not be reached."
		}
		return "A service could not be reached. Try again later."
	case usecase.ErrorMalformedResponse:
		return "The assistant sent a reply that could not be read. Your question is marked as not answered."
	case usecase.ErrorPersistence:
		switch ue.Reason {
		case "profile_init_failed":
			return "Signed in, but your profile could not be created. History will not be saved yet."
		case "sign_out":
			return "Sign out failed."
		}
		return "Your history could not be saved."
	}
	return "Something went wrong."
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
