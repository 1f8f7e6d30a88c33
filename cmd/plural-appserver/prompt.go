package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/zhubert/plural-appserver/approval"
	"github.com/zhubert/plural-appserver/appserver"
	"github.com/zhubert/plural-appserver/runtime"
)

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// terminalPrompter asks approval and user-input questions on a terminal.
// Requests arrive concurrently, so questions are asked one at a time.
type terminalPrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: bufio.NewReader(in), out: out}
}

// readLine reads one answer line. A context cancelled while waiting is
// reported after the line arrives.
func (p *terminalPrompter) readLine(ctx context.Context) (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return strings.TrimSpace(line), nil
}

func (p *terminalPrompter) PromptApproval(ctx context.Context, req approval.Request) (runtime.PromptAnswer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\n%s\n", describeRequest(req))
	if req.Reason != "" {
		fmt.Fprintf(p.out, "  reason: %s\n", req.Reason)
	}
	for {
		fmt.Fprint(p.out, "Allow? [y]es / [n]o / [a]lways: ")
		line, err := p.readLine(ctx)
		if err != nil {
			return runtime.PromptDecline, err
		}
		if answer, ok := parseApprovalAnswer(line); ok {
			return answer, nil
		}
	}
}

func (p *terminalPrompter) RequestUserInput(ctx context.Context, params appserver.UserInputParams) (appserver.UserInputResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	resp := appserver.UserInputResponse{Answers: make(map[string]appserver.UserInputAnswer, len(params.Questions))}
	for _, q := range params.Questions {
		fmt.Fprintln(p.out)
		if q.Header != "" {
			fmt.Fprintf(p.out, "[%s]\n", q.Header)
		}
		fmt.Fprintln(p.out, q.Question)
		for i, opt := range q.Options {
			fmt.Fprintf(p.out, "  %d) %s", i+1, opt.Label)
			if opt.Description != "" {
				fmt.Fprintf(p.out, " - %s", opt.Description)
			}
			fmt.Fprintln(p.out)
		}
		fmt.Fprint(p.out, "> ")

		line, err := p.readLine(ctx)
		if err != nil {
			return resp, err
		}
		answer := pickOption(line, q.Options)
		if answer == "" {
			continue
		}
		resp.Answers[q.ID] = appserver.UserInputAnswer{Answers: []string{answer}}
	}
	return resp, nil
}

// describeRequest renders the first line of an approval prompt.
func describeRequest(req approval.Request) string {
	switch req.Kind {
	case approval.KindCommandExecution:
		return fmt.Sprintf("The agent wants to run: %s", req.Command)
	case approval.KindFileChange:
		if len(req.Paths) == 0 {
			return "The agent wants to change files"
		}
		return fmt.Sprintf("The agent wants to change: %s", strings.Join(req.Paths, ", "))
	default:
		return fmt.Sprintf("The agent asks for approval (%s)", req.Method)
	}
}

// parseApprovalAnswer maps a typed reply to an answer. ok is false for
// anything unrecognized so the question can be repeated.
func parseApprovalAnswer(line string) (answer runtime.PromptAnswer, ok bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return runtime.PromptAccept, true
	case "n", "no":
		return runtime.PromptDecline, true
	case "a", "always":
		return runtime.PromptAlwaysAllow, true
	}
	return runtime.PromptDecline, false
}

// pickOption resolves a numbered choice to its label. Other text is
// returned as typed.
func pickOption(line string, options []appserver.UserInputOption) string {
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(options) {
		return options[n-1].Label
	}
	return line
}
