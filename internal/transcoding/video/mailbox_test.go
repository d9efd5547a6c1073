package video

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func frame(n int) *FrameBuffer {
	return Software(&Frame{Props: Props{Width: n}})
}

func TestMailboxOverwrite(t *testing.T) {
	m := NewMailbox()
	f1, f2 := frame(1), frame(2)

	assert.False(t, m.Put(f1))
	assert.True(t, m.Put(f2))

	assert.Same(t, f2, m.Take())
	assert.Nil(t, m.Take())
	assert.Equal(t, MailboxStats{Published: 2, Dropped: 1}, m.Stats())
}

func TestMailboxTakeSingle(t *testing.T) {
	m := NewMailbox()
	f1 := frame(1)
	m.Put(f1)

	assert.Same(t, f1, m.Peek())
	assert.Same(t, f1, m.Take(), "peek does not drain")
	assert.Nil(t, m.Take())
}

func TestMailboxConcurrentReaders(t *testing.T) {
	m := NewMailbox()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			m.Put(frame(i))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if f := m.Peek(); f != nil {
					_ = f.Props()
				}
				m.Take()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1000), m.Stats().Published)
}
