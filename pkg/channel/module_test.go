package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/lime/pkg/envelope"
)

func tagger(tag string, trail *[]string) *ModuleFuncs[*envelope.Message] {
	return &ModuleFuncs[*envelope.Message]{
		Sending: func(_ context.Context, m *envelope.Message) (*envelope.Message, error) {
			*trail = append(*trail, "send:"+tag)
			return m, nil
		},
		Receiving: func(_ context.Context, m *envelope.Message) (*envelope.Message, error) {
			*trail = append(*trail, "receive:"+tag)
			return m, nil
		},
		StateChanged: func(_ context.Context, s envelope.SessionState) {
			*trail = append(*trail, "state:"+tag+":"+string(s))
		},
	}
}

func TestModuleList_RunsInInsertionOrder(t *testing.T) {
	var trail []string
	var l ModuleList[*envelope.Message]
	l.Add(tagger("a", &trail))
	l.Add(tagger("b", &trail))

	m := envelope.NewTextMessage(nil, "hi")
	out, err := l.sending(context.Background(), m)
	require.NoError(t, err)
	assert.Same(t, m, out)

	_, err = l.receiving(context.Background(), m)
	require.NoError(t, err)
	l.stateChanged(context.Background(), envelope.SessionStateEstablished)

	assert.Equal(t, []string{
		"send:a", "send:b",
		"receive:a", "receive:b",
		"state:a:established", "state:b:established",
	}, trail)
}

func TestModuleList_DropSkipsRemainingModules(t *testing.T) {
	var trail []string
	var l ModuleList[*envelope.Message]
	l.Add(&ModuleFuncs[*envelope.Message]{
		Sending: func(context.Context, *envelope.Message) (*envelope.Message, error) { return nil, nil },
	})
	l.Add(tagger("after", &trail))

	out, err := l.sending(context.Background(), envelope.NewTextMessage(nil, "x"))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, trail)
}

func TestModuleList_TransformFeedsNextModule(t *testing.T) {
	var l ModuleList[*envelope.Message]
	replacement := envelope.NewTextMessage(nil, "replaced")
	l.Add(&ModuleFuncs[*envelope.Message]{
		Sending: func(context.Context, *envelope.Message) (*envelope.Message, error) { return replacement, nil },
	})
	var seen *envelope.Message
	l.Add(&ModuleFuncs[*envelope.Message]{
		Sending: func(_ context.Context, m *envelope.Message) (*envelope.Message, error) {
			seen = m
			return m, nil
		},
	})

	out, err := l.sending(context.Background(), envelope.NewTextMessage(nil, "original"))
	require.NoError(t, err)
	assert.Same(t, replacement, out)
	assert.Same(t, replacement, seen)
}

func TestModuleList_ErrorStopsPipeline(t *testing.T) {
	boom := errors.New("boom")
	var trail []string
	var l ModuleList[*envelope.Message]
	l.Add(&ModuleFuncs[*envelope.Message]{
		Receiving: func(context.Context, *envelope.Message) (*envelope.Message, error) { return nil, boom },
	})
	l.Add(tagger("after", &trail))

	_, err := l.receiving(context.Background(), envelope.NewTextMessage(nil, "x"))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, trail)
}

func TestModuleList_AddRemoveContains(t *testing.T) {
	var l ModuleList[*envelope.Message]
	a := &ModuleFuncs[*envelope.Message]{}
	b := &ModuleFuncs[*envelope.Message]{}

	l.Add(a)
	l.Add(b)
	assert.Equal(t, 2, l.Len())
	assert.True(t, l.Contains(a))

	assert.True(t, l.Remove(a))
	assert.False(t, l.Remove(a))
	assert.False(t, l.Contains(a))
	assert.True(t, l.Contains(b))
	assert.Equal(t, 1, l.Len())
}

func TestModuleList_ModuleMayMutateListDuringDispatch(t *testing.T) {
	var l ModuleList[*envelope.Message]
	var self *ModuleFuncs[*envelope.Message]
	self = &ModuleFuncs[*envelope.Message]{
		Sending: func(_ context.Context, m *envelope.Message) (*envelope.Message, error) {
			l.Remove(self)
			return m, nil
		},
	}
	l.Add(self)

	_, err := l.sending(context.Background(), envelope.NewTextMessage(nil, "x"))
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestModuleList_RemovedModuleIsSkippedByDispatchInFlight(t *testing.T) {
	var l ModuleList[*envelope.Message]
	entered := make(chan struct{})
	release := make(chan struct{})
	var laterCalls atomic.Int32

	first := &ModuleFuncs[*envelope.Message]{
		Sending: func(_ context.Context, m *envelope.Message) (*envelope.Message, error) {
			close(entered)
			<-release
			return m, nil
		},
	}
	later := &ModuleFuncs[*envelope.Message]{
		Sending: func(_ context.Context, m *envelope.Message) (*envelope.Message, error) {
			laterCalls.Add(1)
			return m, nil
		},
	}
	l.Add(first)
	l.Add(later)

	done := make(chan error, 1)
	go func() {
		_, err := l.sending(context.Background(), envelope.NewTextMessage(nil, "x"))
		done <- err
	}()

	<-entered
	require.True(t, l.Remove(later))
	close(release)
	require.NoError(t, <-done)
	assert.Zero(t, laterCalls.Load())
}

func TestModuleList_ModuleMayRemoveTheNextOne(t *testing.T) {
	var l ModuleList[*envelope.Message]
	var seen []string
	var second *ModuleFuncs[*envelope.Message]
	first := &ModuleFuncs[*envelope.Message]{
		Receiving: func(_ context.Context, m *envelope.Message) (*envelope.Message, error) {
			seen = append(seen, "first")
			l.Remove(second)
			return m, nil
		},
	}
	second = &ModuleFuncs[*envelope.Message]{
		Receiving: func(_ context.Context, m *envelope.Message) (*envelope.Message, error) {
			seen = append(seen, "second")
			return m, nil
		},
	}
	l.Add(first)
	l.Add(second)

	out, err := l.receiving(context.Background(), envelope.NewTextMessage(nil, "x"))
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Equal(t, []string{"first"}, seen)
}
