package server_test

import (
	"context"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/agentrelay/internal/agent"
	"github.com/opencode-ai/agentrelay/internal/agent/agenttest"
	"github.com/opencode-ai/agentrelay/internal/gateway"
	"github.com/opencode-ai/agentrelay/internal/permission"
	"github.com/opencode-ai/agentrelay/internal/server"
	"github.com/opencode-ai/agentrelay/internal/session"
)

// reply answers every prompt with one turn that issues handle.
func reply(handle, text string) agenttest.Script {
	return agenttest.Events(
		agent.SessionInit{Handle: handle},
		agent.Text{Chunk: text},
		agent.Result{Success: true},
	)
}

var _ = Describe("HTTP API", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv(envOptions{policy: permission.Policy{AllowedUsers: []string{"alice"}}})
	})

	AfterEach(func() {
		env.close()
	})

	waitIdle := func(id string) {
		Eventually(func() bool { return env.status(id).Processing }, 5*time.Second, 10*time.Millisecond).Should(BeFalse())
	}

	// ==================== Conversations ====================
	Describe("Conversations", func() {
		Describe("GET /conversation", func() {
			It("should start empty", func() {
				var list []session.Status
				Expect(env.do(http.MethodGet, "/conversation", nil, &list)).To(Equal(http.StatusOK))
				Expect(list).To(BeEmpty())
			})

			It("should list conversations after a turn", func() {
				env.setScript(reply("h1", "hello"))
				env.post("c1", "hi")
				Eventually(func() string { return env.status("c1").SessionHandle }, 5*time.Second).Should(Equal("h1"))

				var list []session.Status
				Expect(env.do(http.MethodGet, "/conversation", nil, &list)).To(Equal(http.StatusOK))
				Expect(list).To(HaveLen(1))
				Expect(list[0].ConversationID).To(Equal("c1"))
			})
		})

		Describe("POST /conversation/{id}/message", func() {
			It("should stream the agent's reply to the message", func() {
				env.setScript(reply("h1", "hello from the agent"))

				msg := env.post("c1", "hi")
				Expect(msg.ID).NotTo(BeEmpty())
				Expect(msg.Author).To(Equal(server.AuthorUser))
				Expect(msg.UserID).To(Equal("alice"))
				Expect(msg.Content).To(Equal("hi"))

				Eventually(func() string { return env.replyTo("c1", msg.ID) }, 5*time.Second).
					Should(ContainSubstring("hello from the agent"))
				waitIdle("c1")

				st := env.status("c1")
				Expect(st.SessionHandle).To(Equal("h1"))
				Expect(st.History).To(Equal([]string{"h1"}))
			})

			It("should reject empty content", func() {
				var body server.ErrorResponse
				Expect(env.do(http.MethodPost, "/conversation/c1/message", server.PostMessageRequest{Content: "  "}, &body)).
					To(Equal(http.StatusBadRequest))
				Expect(body.Error.Code).To(Equal(server.ErrCodeInvalidRequest))
			})

			It("should answer commands in the conversation", func() {
				msg := env.post("c1", "/help")
				Eventually(func() string { return env.replyTo("c1", msg.ID) }, 5*time.Second).
					Should(ContainSubstring("**Commands**"))
			})
		})

		Describe("POST /conversation/{id}/rewind", func() {
			BeforeEach(func() {
				env.setScript(func(ctx context.Context, req agent.Request, emit agenttest.Emit) error {
					handle := "h1"
					if req.ResumeHandle != "" {
						handle = req.ResumeHandle + "+"
					}
					return reply(handle, "ok")(ctx, req, emit)
				})
				env.post("c1", "one")
				Eventually(func() int { return env.status("c1").Depth() }, 5*time.Second).Should(Equal(1))
				waitIdle("c1")
				env.post("c1", "two")
				Eventually(func() int { return env.status("c1").Depth() }, 5*time.Second).Should(Equal(2))
				waitIdle("c1")
			})

			It("should rewind one turn by default", func() {
				var res session.RewindResult
				Expect(env.do(http.MethodPost, "/conversation/c1/rewind", nil, &res)).To(Equal(http.StatusOK))
				Expect(res.Removed).To(Equal(1))
				Expect(res.SessionHandle).To(Equal("h1"))
				Expect(env.status("c1").SessionHandle).To(Equal("h1"))
			})

			It("should clamp to the history", func() {
				var res session.RewindResult
				Expect(env.do(http.MethodPost, "/conversation/c1/rewind", server.RewindRequest{Count: 5}, &res)).To(Equal(http.StatusOK))
				Expect(res.Removed).To(Equal(2))
				Expect(res.SessionHandle).To(BeEmpty())
			})

			It("should reject a count below one", func() {
				var body server.ErrorResponse
				Expect(env.do(http.MethodPost, "/conversation/c1/rewind", server.RewindRequest{Count: 0}, &body)).
					To(Equal(http.StatusBadRequest))
				Expect(body.Error.Code).To(Equal(server.ErrCodeInvalidRequest))
				Expect(env.status("c1").Depth()).To(Equal(2))
			})

			It("should report the depth", func() {
				var res server.CompactResponse
				Expect(env.do(http.MethodGet, "/conversation/c1/compact", nil, &res)).To(Equal(http.StatusOK))
				Expect(res).To(Equal(server.CompactResponse{ConversationID: "c1", Depth: 2}))
			})

			It("should clear the session", func() {
				var res session.ClearResult
				Expect(env.do(http.MethodPost, "/conversation/c1/clear", nil, &res)).To(Equal(http.StatusOK))
				Expect(res.PreviousHandle).To(Equal("h1+"))
				Expect(res.Aborted).To(BeFalse())

				st := env.status("c1")
				Expect(st.SessionHandle).To(BeEmpty())
				Expect(st.History).To(BeEmpty())
			})
		})

		Describe("POST /conversation/{id}/stop", func() {
			It("should abort a running turn", func() {
				env.setScript(func(ctx context.Context, req agent.Request, emit agenttest.Emit) error {
					if err := emit(agent.Text{Chunk: "working"}); err != nil {
						return err
					}
					return agenttest.Block(ctx)
				})
				env.post("c1", "long job")
				Eventually(func() bool { return env.status("c1").Processing }, 5*time.Second).Should(BeTrue())

				var res server.StopResponse
				Expect(env.do(http.MethodPost, "/conversation/c1/stop", nil, &res)).To(Equal(http.StatusOK))
				Expect(res.Stopped).To(BeTrue())
				waitIdle("c1")

				Expect(env.do(http.MethodPost, "/conversation/c1/stop", nil, &res)).To(Equal(http.StatusOK))
				Expect(res.Stopped).To(BeFalse())
			})
		})
	})

	// ==================== Approvals ====================
	Describe("Approvals", func() {
		BeforeEach(func() {
			env.setScript(func(ctx context.Context, req agent.Request, emit agenttest.Emit) error {
				if err := emit(agent.SessionInit{Handle: "h1"}); err != nil {
					return err
				}
				if err := agenttest.ToolCall(ctx, req, emit, "Write", map[string]any{"file_path": "a.txt", "content": "x"}, nil); err != nil {
					return err
				}
				return agenttest.Events(agent.Text{Chunk: "done"}, agent.Result{Success: true})(ctx, req, emit)
			})
			env.post("c1", "write a file")
			Eventually(func() []permission.Pending { return env.pending("c1") }, 5*time.Second).Should(HaveLen(1))
		})

		It("should list pending requests", func() {
			p := env.pending("c1")[0]
			Expect(p.ConversationID).To(Equal("c1"))
			Expect(p.ToolName).To(Equal("Write"))
			Expect(p.Summary).To(ContainSubstring("a.txt"))

			var all []permission.Pending
			Expect(env.do(http.MethodGet, "/approval", nil, &all)).To(Equal(http.StatusOK))
			Expect(all).To(HaveLen(1))
			Expect(env.pending("c2")).To(BeEmpty())
		})

		It("should settle through the control endpoint", func() {
			id := env.pending("c1")[0].RequestID

			var res server.ApprovalResult
			Expect(env.do(http.MethodPost, "/approval/"+id, server.ApprovalResponseRequest{Approved: true, UserID: "alice"}, &res)).
				To(Equal(http.StatusOK))
			Expect(res).To(Equal(server.ApprovalResult{RequestID: id, Approved: true, Via: gateway.ViaControl}))

			waitIdle("c1")
			msg, ok := env.approvalMessage("c1")
			Expect(ok).To(BeTrue())
			Expect(msg.Approval.Outcome).To(Equal(gateway.OutcomeApproved))
			Expect(msg.Approval.By).To(Equal("alice"))
			Expect(msg.Content).To(ContainSubstring("Approved by alice"))

			Expect(env.do(http.MethodPost, "/approval/"+id, server.ApprovalResponseRequest{Approved: false, UserID: "alice"}, nil)).
				To(Equal(http.StatusNotFound), "a settled request cannot be answered again")
		})

		It("should refuse users who may not decide", func() {
			id := env.pending("c1")[0].RequestID
			var body server.ErrorResponse
			Expect(env.do(http.MethodPost, "/approval/"+id, server.ApprovalResponseRequest{Approved: true, UserID: "mallory"}, &body)).
				To(Equal(http.StatusForbidden))
			Expect(body.Error.Code).To(Equal(server.ErrCodePermissionDenied))
			Expect(env.pending("c1")).To(HaveLen(1))
		})

		It("should 404 unknown requests", func() {
			Expect(env.do(http.MethodPost, "/approval/nope", server.ApprovalResponseRequest{Approved: true, UserID: "alice"}, nil)).
				To(Equal(http.StatusNotFound))
		})

		It("should settle through a reaction on the prompt", func() {
			var prompt server.WebMessage
			Eventually(func() bool {
				var ok bool
				prompt, ok = env.approvalMessage("c1")
				return ok && prompt.Approval.Reactions
			}, 5*time.Second).Should(BeTrue())

			Expect(env.do(http.MethodPost, "/conversation/c1/message/"+prompt.ID+"/reaction", server.ReactionRequest{Approved: false, UserID: "alice"}, nil)).
				To(Equal(http.StatusNoContent))

			waitIdle("c1")
			msg, _ := env.approvalMessage("c1")
			Expect(msg.Approval.Outcome).To(Equal(gateway.OutcomeDenied))
		})

		It("should reject reactions on other messages", func() {
			user := env.web.Messages("c1")[0]
			Expect(user.Author).To(Equal(server.AuthorUser))
			Expect(env.do(http.MethodPost, "/conversation/c1/message/"+user.ID+"/reaction", server.ReactionRequest{Approved: true}, nil)).
				To(Equal(http.StatusBadRequest))
			Expect(env.do(http.MethodPost, "/conversation/c1/message/nope/reaction", server.ReactionRequest{Approved: true}, nil)).
				To(Equal(http.StatusNotFound))
		})

		It("should cancel pending requests on clear", func() {
			var res session.ClearResult
			Expect(env.do(http.MethodPost, "/conversation/c1/clear", nil, &res)).To(Equal(http.StatusOK))
			Expect(res.Aborted).To(BeTrue())
			Expect(res.CanceledApprovals).To(Equal(1))

			waitIdle("c1")
			Expect(env.pending("c1")).To(BeEmpty())
			Eventually(func() gateway.ApprovalOutcome {
				msg, ok := env.approvalMessage("c1")
				if !ok {
					return ""
				}
				return msg.Approval.Outcome
			}, 5*time.Second).Should(Equal(gateway.OutcomeCanceled))
		})
	})

	// ==================== Events ====================
	Describe("GET /event", func() {
		It("should stream bus events", func() {
			sse := env.subscribe("")
			defer sse.close()

			t, _ := sse.next()
			Expect(t).To(Equal("server.connected"))

			env.setScript(reply("h1", "hello"))
			env.post("c1", "hi")

			seen := sse.collectUntil("turn.finished")
			Expect(seen).To(ContainElements("message.created", "turn.started", "conversation.updated"))
		})

		It("should filter by conversation", func() {
			sse := env.subscribe("?conversationID=c2")
			defer sse.close()

			t, _ := sse.next()
			Expect(t).To(Equal("server.connected"))

			env.setScript(reply("h1", "hello"))
			env.post("c1", "hi")
			Eventually(func() string { return env.status("c1").SessionHandle }, 5*time.Second).Should(Equal("h1"))
			waitIdle("c1")
			env.post("c2", "hi")

			for {
				typ, conv := sse.next()
				Expect(conv).To(Equal("c2"))
				if typ == "turn.finished" {
					break
				}
			}
		})
	})
})

var _ = Describe("HTTP API without the web gateway", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv(envOptions{noWeb: true})
	})

	AfterEach(func() {
		env.close()
	})

	It("should 404 the message routes", func() {
		Expect(env.do(http.MethodGet, "/conversation/c1/message", nil, nil)).To(Equal(http.StatusNotFound))
		Expect(env.do(http.MethodPost, "/conversation/c1/message", server.PostMessageRequest{Content: "hi"}, nil)).
			To(Equal(http.StatusNotFound))
	})

	It("should still serve conversation state", func() {
		st := env.status("c1")
		Expect(st.ConversationID).To(Equal("c1"))
		Expect(st.Processing).To(BeFalse())
	})

	It("should mount the MCP endpoint", func() {
		Expect(env.do(http.MethodGet, "/mcp/c1", nil, nil)).To(Equal(http.StatusMethodNotAllowed))
	})
})
