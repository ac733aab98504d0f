package amqprpc_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/corepulse/amqprpc"
)

type testContext struct {
	fields map[string]any
}

func (c testContext) ToDict() map[string]any {
	return c.fields
}

func testContextFactory(fields map[string]any) amqprpc.Context {
	return testContext{fields: fields}
}

var _ = Describe("context pack/unpack", func() {
	It("round-trips every field through the reserved prefix", func() {
		ctx := testContext{fields: map[string]any{
			"caller_id": "scheduler-1",
			"tenant":    "acme",
		}}

		msg := amqprpc.Envelope{
			"method": "echo",
			"args":   map[string]any{"value": float64(42)},
		}
		amqprpc.PackContext(msg, ctx)

		Expect(msg).To(HaveKeyWithValue("_context_caller_id", "scheduler-1"))
		Expect(msg).To(HaveKeyWithValue("_context_tenant", "acme"))

		unpacked, msgID := amqprpc.UnpackContext(msg, testContextFactory)

		Expect(msgID).To(Equal(""))
		Expect(unpacked.ToDict()).To(Equal(ctx.fields))

		// Context keys are stripped, leaving only method/args.
		Expect(msg).To(HaveKey("method"))
		Expect(msg).To(HaveKey("args"))
		Expect(msg).NotTo(HaveKey("_context_caller_id"))
		Expect(msg).NotTo(HaveKey("_context_tenant"))
	})

	It("separates msg_id from the context fields", func() {
		msg := amqprpc.Envelope{
			"_msg_id":            "call-123",
			"_context_caller_id": "scheduler-1",
			"method":             "echo",
		}

		unpacked, msgID := amqprpc.UnpackContext(msg, testContextFactory)

		Expect(msgID).To(Equal("call-123"))
		Expect(unpacked.ToDict()).To(Equal(map[string]any{"caller_id": "scheduler-1"}))
		Expect(msg).NotTo(HaveKey("_msg_id"))
	})
})
