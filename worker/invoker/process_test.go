package invoker_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-sessions/common/proto"
	"github.com/scusemua/distributed-sessions/worker/invoker"
)

var _ = Describe("Process Invoker", func() {
	var (
		ctx     context.Context
		tmpDir  string
		outFile string
	)

	// writeScript drops an executable shell script into the temp dir and
	// returns its path.
	writeScript := func(body string) string {
		script := filepath.Join(tmpDir, "backend.sh")
		Expect(os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0o755)).To(Succeed())
		return script
	}

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
		outFile = filepath.Join(tmpDir, "env.out")
	})

	Context("Environment", func() {
		It("Should pass the built-in and spec-supplied variables to the launched process", func() {
			script := writeScript(
				fmt.Sprintf(`printf '%%s\n' "$BACKEND_ID" "$SESSION_KEY" "$PORT" "$GREETING" > %q`, outFile))

			ivk, err := invoker.NewProcessInvoker(script, "localhost")
			Expect(err).ToNot(HaveOccurred())
			defer func() { _ = ivk.Close() }()

			address, err := ivk.InvokeWithContext(ctx, &proto.BackendSpec{
				BackendID: "backend-1",
				Key:       "session-1",
				Env:       []string{"GREETING=hello from the scheduler"},
			}, 20123)
			Expect(err).ToNot(HaveOccurred())
			Expect(address).To(Equal("localhost:20123"))

			Eventually(func() string {
				data, readErr := os.ReadFile(outFile)
				if readErr != nil {
					return ""
				}
				return string(data)
			}, "5s").Should(Equal(strings.Join([]string{
				"backend-1",
				"session-1",
				"20123",
				"hello from the scheduler",
			}, "\n") + "\n"))
		})
	})

	Context("Lifecycle", func() {
		It("Should report the process as exited once it finishes", func() {
			script := writeScript("exit 0")

			ivk, err := invoker.NewProcessInvoker(script, "localhost")
			Expect(err).ToNot(HaveOccurred())
			defer func() { _ = ivk.Close() }()

			_, err = ivk.InvokeWithContext(ctx, &proto.BackendSpec{BackendID: "backend-1", Key: "session-1"}, 20124)
			Expect(err).ToNot(HaveOccurred())

			Eventually(func() (invoker.BackendStatus, error) {
				return ivk.Status(ctx)
			}, "5s").Should(Equal(invoker.StatusExited))
		})

		It("Should refuse a second launch on the same invoker", func() {
			script := writeScript("exit 0")

			ivk, err := invoker.NewProcessInvoker(script, "localhost")
			Expect(err).ToNot(HaveOccurred())
			defer func() { _ = ivk.Close() }()

			spec := &proto.BackendSpec{BackendID: "backend-1", Key: "session-1"}

			_, err = ivk.InvokeWithContext(ctx, spec, 20125)
			Expect(err).ToNot(HaveOccurred())

			_, err = ivk.InvokeWithContext(ctx, spec, 20126)
			Expect(err).To(MatchError(invoker.ErrAlreadyStarted))
		})
	})

	It("Should shut a long-running process down within the grace period", func() {
		script := writeScript("trap 'exit 0' TERM\nwhile true; do sleep 1; done")

		ivk, err := invoker.NewProcessInvoker(script, "localhost")
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = ivk.Close() }()

		_, err = ivk.InvokeWithContext(ctx, &proto.BackendSpec{BackendID: "backend-1", Key: "session-1"}, 20127)
		Expect(err).ToNot(HaveOccurred())

		Expect(ivk.Shutdown(ctx, 5*time.Second)).To(Succeed())

		Eventually(func() (invoker.BackendStatus, error) {
			return ivk.Status(ctx)
		}, "5s").Should(Equal(invoker.StatusExited))
	})
})
