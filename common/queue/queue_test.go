package queue_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-sessions/common/queue"
)

var _ = Describe("Fifo Queue Tests", func() {
	It("Will create a new, empty queue correctly", func() {
		q := queue.NewFifo[string](1)
		Expect(q).ToNot(BeNil())
		Expect(q.Len()).To(Equal(0))

		val, ok := q.Dequeue()
		Expect(ok).To(BeFalse())
		Expect(val).To(Equal(""))
	})

	It("Will handle a single enqueue and dequeue operation correctly", func() {
		q := queue.NewFifo[string](1)

		q.Enqueue("element")
		Expect(q.Len()).To(Equal(1))

		val, ok := q.Peek()
		Expect(ok).To(BeTrue())
		Expect(val).To(Equal("element"))

		elem, ok := q.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(elem).To(Equal("element"))
		Expect(q.Len()).To(Equal(0))
	})

	It("Will preserve FIFO order across many operations", func() {
		q := queue.NewFifo[string](1)
		alphabet := "abcdefghijklmnopqrstuvwxyz"

		for i := 0; i < len(alphabet); i++ {
			q.Enqueue(alphabet[i : i+1])
			Expect(q.Len()).To(Equal(i + 1))

			val, ok := q.Peek()
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal("a"))
		}

		for i := 0; i < len(alphabet); i++ {
			val, ok := q.Dequeue()
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal(alphabet[i : i+1]))
		}

		Expect(q.Len()).To(Equal(0))
	})

	It("Will remove a matching element while preserving the order of the rest", func() {
		q := queue.NewFifo[int](4)

		q.Enqueue(1)
		q.Enqueue(2)
		q.Enqueue(3)

		removed := q.Remove(func(v int) bool { return v == 2 })
		Expect(removed).To(BeTrue())
		Expect(q.Len()).To(Equal(2))

		first, _ := q.Dequeue()
		second, _ := q.Dequeue()
		Expect(first).To(Equal(1))
		Expect(second).To(Equal(3))

		removed = q.Remove(func(v int) bool { return v == 42 })
		Expect(removed).To(BeFalse())
	})
})
