package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/gomega"
	"golang.org/x/time/rate"

	"github.com/opencode-ai/agentrelay/internal/agent"
	"github.com/opencode-ai/agentrelay/internal/agent/agenttest"
	"github.com/opencode-ai/agentrelay/internal/event"
	"github.com/opencode-ai/agentrelay/internal/permission"
	"github.com/opencode-ai/agentrelay/internal/relay"
	"github.com/opencode-ai/agentrelay/internal/server"
	"github.com/opencode-ai/agentrelay/internal/session"
	"github.com/opencode-ai/agentrelay/internal/stream"
	"github.com/opencode-ai/agentrelay/pkg/mcpserver/approval"
)

// testEnv is a relay wired to the web gateway behind a test HTTP server.
type testEnv struct {
	bus       *event.Bus
	web       *server.WebGateway
	gate      *permission.Gate
	manager   *session.Manager
	handler   *relay.Handler
	approvals *agent.ToolApprovals
	http      *httptest.Server

	mu     sync.Mutex
	script agenttest.Script
}

type envOptions struct {
	noWeb  bool
	policy permission.Policy
}

func newTestEnv(opts envOptions) *testEnv {
	env := &testEnv{
		bus:       event.NewBus(),
		approvals: agent.NewToolApprovals(),
	}
	env.web = server.NewWebGateway(env.bus, rate.Inf, 1)

	if opts.policy.Timeout == 0 {
		opts.policy.Timeout = time.Minute
	}
	if opts.policy.DangerousTools == nil {
		opts.policy.DangerousTools = []string{"Write", "Bash"}
	}
	env.gate = permission.NewGate(env.web, env.bus, opts.policy)

	env.manager = session.NewManager(session.Options{
		Runner: agenttest.NewRunner(env.run),
		Gate:   env.gate,
		Bus:    env.bus,
	})
	env.handler = relay.New(relay.Options{
		Messenger: env.web,
		Manager:   env.manager,
		Gate:      env.gate,
		Stream: stream.Options{
			Interval:      5 * time.Millisecond,
			MaxLength:     2000,
			FollowUpDelay: time.Millisecond,
			BackoffBase:   5 * time.Millisecond,
			BackoffMax:    50 * time.Millisecond,
		},
	})
	Expect(env.web.Start(context.Background(), env.handler)).To(Succeed())

	srvOpts := server.Options{
		Manager:  env.manager,
		Gate:     env.gate,
		Bus:      env.bus,
		Web:      env.web,
		Approval: approval.NewHandler(env.approvals),
	}
	if opts.noWeb {
		srvOpts.Web = nil
	}
	env.http = httptest.NewServer(server.New(server.DefaultConfig(), srvOpts).Handler())
	return env
}

// run dispatches to the current script so specs can swap it.
func (e *testEnv) run(ctx context.Context, req agent.Request, emit agenttest.Emit) error {
	e.mu.Lock()
	script := e.script
	e.mu.Unlock()
	if script == nil {
		return agenttest.Events(agent.Result{Success: true})(ctx, req, emit)
	}
	return script(ctx, req, emit)
}

func (e *testEnv) setScript(s agenttest.Script) {
	e.mu.Lock()
	e.script = s
	e.mu.Unlock()
}

func (e *testEnv) close() {
	e.http.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.handler.Close(ctx)
	_ = e.web.Close()
	_ = e.bus.Close()
}

// do sends a JSON request and decodes the JSON response into out when
// out is non-nil. It returns the status code.
func (e *testEnv) do(method, path string, body, out any) int {
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.http.URL+path, rd)
	Expect(err).NotTo(HaveOccurred())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	if out != nil {
		Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
	}
	return resp.StatusCode
}

func (e *testEnv) status(id string) session.Status {
	var st session.Status
	Expect(e.do(http.MethodGet, "/conversation/"+id, nil, &st)).To(Equal(http.StatusOK))
	return st
}

func (e *testEnv) post(id, content string) server.WebMessage {
	var msg server.WebMessage
	Expect(e.do(http.MethodPost, "/conversation/"+id+"/message", server.PostMessageRequest{Content: content, UserID: "alice"}, &msg)).
		To(Equal(http.StatusAccepted))
	return msg
}

// replyTo returns the newest relay message answering messageID.
func (e *testEnv) replyTo(id, messageID string) string {
	var msgs []server.WebMessage
	Expect(e.do(http.MethodGet, "/conversation/"+id+"/message", nil, &msgs)).To(Equal(http.StatusOK))
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ReplyTo == messageID {
			return msgs[i].Content
		}
	}
	return ""
}

// approvalMessage returns the prompt message of a conversation, if any.
func (e *testEnv) approvalMessage(id string) (server.WebMessage, bool) {
	for _, m := range e.web.Messages(id) {
		if m.Approval != nil {
			return m, true
		}
	}
	return server.WebMessage{}, false
}

func (e *testEnv) pending(id string) []permission.Pending {
	var list []permission.Pending
	Expect(e.do(http.MethodGet, "/approval?conversationID="+id, nil, &list)).To(Equal(http.StatusOK))
	return list
}

// sseClient reads the data lines of an event stream.
type sseClient struct {
	cancel context.CancelFunc
	events chan string
}

func (e *testEnv) subscribe(query string) *sseClient {
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.http.URL+"/event"+query, nil)
	Expect(err).NotTo(HaveOccurred())
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
	Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))

	c := &sseClient{cancel: cancel, events: make(chan string, 256)}
	go func() {
		defer resp.Body.Close()
		defer close(c.events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				c.events <- data
			}
		}
	}()
	return c
}

func (c *sseClient) close() { c.cancel() }

// next returns the type and conversation of the next event.
func (c *sseClient) next() (string, string) {
	var raw string
	Eventually(c.events, 5*time.Second).Should(Receive(&raw))
	var env struct {
		Type string `json:"type"`
		Data struct {
			ConversationID string `json:"conversationID"`
		} `json:"data"`
	}
	Expect(json.Unmarshal([]byte(raw), &env)).To(Succeed())
	return env.Type, env.Data.ConversationID
}

// collectUntil reads events until one of type want arrives and returns the
// types seen, want included.
func (c *sseClient) collectUntil(want string) []string {
	var seen []string
	for {
		t, _ := c.next()
		seen = append(seen, t)
		if t == want {
			return seen
		}
	}
}
