package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReceive(t *testing.T) {
	t.Parallel()

	ch := make(chan int, 1)
	ch <- 7
	assert.Equal(t, 7, Receive(t, ch, ShortTestTimeout, "value expected"))
}

func TestCollect(t *testing.T) {
	t.Parallel()

	ch := make(chan string, 3)
	ch <- "a"
	ch <- "b"
	assert.Equal(t, []string{"a", "b"}, Collect(ch, 3, 20*time.Millisecond), "deadline returns partial")

	ch <- "c"
	close(ch)
	assert.Equal(t, []string{"c"}, Collect(ch, 5, ShortTestTimeout), "close ends collection")
}
