package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/juju/clock"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/codec"
	"github.com/doomervibe/fleuve/internal/enginetest"
	"github.com/doomervibe/fleuve/internal/repo"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Test workflow: a message board that collects notes routed from external
// subjects. Boards are tagged with their region and may follow topics.

type boardState struct {
	workflow.Base
	Region string   `json:"region"`
	Notes  []string `json:"notes"`
}

func (s *boardState) Clone() workflow.State {
	notes := make([]string, len(s.Notes))
	copy(notes, s.Notes)
	return &boardState{Base: s.CopyBase(), Region: s.Region, Notes: notes}
}

type openBoard struct {
	Region string `json:"region"`
}

func (openBoard) CommandType() string { return "open_board" }

type followTopic struct {
	Topic string `json:"topic"`
}

func (followTopic) CommandType() string { return "follow_topic" }

type postNote struct {
	Text string `json:"text"`
}

func (postNote) CommandType() string { return "post_note" }

type boardOpened struct {
	Region string `json:"region"`
}

func (boardOpened) EventType() string { return "board_opened" }

type notePosted struct {
	Text string `json:"text"`
}

func (notePosted) EventType() string { return "note_posted" }

// noticePublished is the payload external producers put on
// messages.board.* subjects. It is never appended to the log itself.
type noticePublished struct {
	Text string `json:"text"`
}

func (noticePublished) EventType() string { return "notice_published" }

type boardDef struct{}

func (boardDef) Name() string       { return "board" }
func (boardDef) SchemaVersion() int { return 1 }

func (boardDef) Decide(state workflow.State, cmd workflow.Command) ([]workflow.Event, error) {
	if state == nil {
		if c, ok := cmd.(openBoard); ok {
			return []workflow.Event{boardOpened{Region: c.Region}}, nil
		}
		return nil, workflow.ErrNotFound
	}
	switch c := cmd.(type) {
	case openBoard:
		return nil, workflow.Reject("already exists")
	case followTopic:
		return []workflow.Event{workflow.ExternalSubscriptionAdded{Sub: workflow.ExternalSub{Topic: c.Topic}}}, nil
	case postNote:
		if c.Text == "" {
			return nil, workflow.Reject("empty note")
		}
		return []workflow.Event{notePosted{Text: c.Text}}, nil
	}
	return nil, workflow.Reject("unknown command")
}

func (boardDef) Evolve(state workflow.State, e workflow.Event) workflow.State {
	s, ok := state.(*boardState)
	if !ok {
		s = &boardState{}
		if state != nil {
			s.StateMeta = *state.Meta()
		} else {
			s.StateMeta = workflow.Meta{Lifecycle: workflow.LifecycleActive}
		}
	}
	switch ev := e.(type) {
	case boardOpened:
		s.Region = ev.Region
	case notePosted:
		s.Notes = append(s.Notes, ev.Text)
	}
	return s
}

func (boardDef) EventToCommand(ce workflow.ConsumedEvent) workflow.Command {
	if n, ok := ce.Event.(noticePublished); ok {
		return postNote{Text: n.Text}
	}
	return nil
}

func (boardDef) IsFinalEvent(workflow.Event) bool { return false }

func (boardDef) Tags(state workflow.State) []string {
	if s, ok := state.(*boardState); ok && s.Region != "" {
		return []string{"region:" + s.Region}
	}
	return nil
}

func newBoardRepo(t *testing.T, st *enginetest.MemStore) *repo.Repository {
	t.Helper()
	reg := codec.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow(boardDef{}, &boardState{}, boardOpened{}, notePosted{}))
	require.NoError(t, reg.RegisterCommand(openBoard{}, followTopic{}, postNote{}))
	cdc, err := codec.New(reg, codec.Options{})
	require.NoError(t, err)
	return repo.NewWithOptions(st, cdc, boardDef{}, zap.NewNop(), repo.Options{})
}

// newRoutingConsumer builds a Consumer without a broker, the way
// stream tests build a HybridReader without one: process and resolve
// never touch JetStream.
func newRoutingConsumer(t *testing.T, rep *repo.Repository, filter func(string) bool) *Consumer {
	t.Helper()
	return &Consumer{
		workflowType: "board",
		rep:          rep,
		st:           rep.Store(),
		def:          rep.Definition(),
		parse:        JSONParser(noticePublished{}),
		filter:       filter,
		clk:          clock.WallClock,
		logger:       zap.NewNop(),
	}
}

func seedBoard(t *testing.T, rep *repo.Repository, id, region string, topics ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := rep.CreateNew(ctx, id, openBoard{Region: region})
	require.NoError(t, err)
	for _, topic := range topics {
		_, err := rep.ProcessCommand(ctx, id, followTopic{Topic: topic})
		require.NoError(t, err)
	}
}

func boardNotes(t *testing.T, rep *repo.Repository, id string) []string {
	t.Helper()
	cur, err := rep.GetCurrentState(context.Background(), id)
	require.NoError(t, err)
	return cur.State.(*boardState).Notes
}

func externalMsg(t *testing.T, subject string, payload any) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &nats.Msg{Subject: subject, Data: data}
}

func TestParseSubject(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		routing string
		detail  string
		ok      bool
	}{
		{"broadcast", "messages.board.all.ping", RoutingAll, "ping", true},
		{"tag", "messages.board.tag.region:eu", RoutingTag, "region:eu", true},
		{"id", "messages.board.id.b-1", RoutingID, "b-1", true},
		{"dotted topic", "messages.board.topic.notices.eu.north", RoutingTopic, "notices.eu.north", true},
		{"empty id detail", "messages.board.id.", RoutingID, "", true},
		{"missing detail", "messages.board.all", "", "", false},
		{"other workflow type", "messages.order.id.o-1", "", "", false},
		{"unknown routing", "messages.board.broadcast.ping", "", "", false},
		{"wrong prefix", "events.board.all.ping", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			routing, detail, ok := ParseSubject(tc.subject, "board")
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.routing, routing)
				assert.Equal(t, tc.detail, detail)
			}
		})
	}
}

func TestJSONParser(t *testing.T) {
	parse := JSONParser(noticePublished{})

	ev, err := parse([]byte(`{"text":"hello"}`))
	require.NoError(t, err)
	n, ok := ev.(noticePublished)
	require.True(t, ok)
	assert.Equal(t, "hello", n.Text)

	_, err = parse([]byte(`{not json`))
	assert.Error(t, err)
}

func TestJSONParserPointerPrototype(t *testing.T) {
	parse := JSONParser(&noticePublished{})

	ev, err := parse([]byte(`{"text":"hi"}`))
	require.NoError(t, err)
	n, ok := ev.(noticePublished)
	require.True(t, ok, "a pointer prototype still yields value events")
	assert.Equal(t, "hi", n.Text)
}

func TestConsumerName(t *testing.T) {
	assert.Equal(t, "board_external_consumer", ConsumerName("board"))
}

type stubJetStream struct {
	nats.JetStreamContext
}

func TestNewConsumerDefaults(t *testing.T) {
	rep := newBoardRepo(t, enginetest.NewMemStore())

	c, err := NewConsumer(rep, stubJetStream{}, JSONParser(noticePublished{}), ConsumerOptions{})
	require.NoError(t, err)
	assert.Equal(t, ExternalStreamName("board"), c.stream)
	assert.Equal(t, ConsumerName("board"), c.name)
	assert.Equal(t, DefaultConsumerBatchSize, c.batch)
	assert.Equal(t, DefaultConsumerFetchWait, c.fetchWait)
	assert.Equal(t, DefaultConsumerMaxDeliver, c.maxDeliver)
	assert.Equal(t, DefaultConsumerAckWait, c.ackWait)

	_, err = NewConsumer(nil, stubJetStream{}, JSONParser(noticePublished{}), ConsumerOptions{})
	assert.Error(t, err)
	_, err = NewConsumer(rep, nil, JSONParser(noticePublished{}), ConsumerOptions{})
	assert.Error(t, err)
	_, err = NewConsumer(rep, stubJetStream{}, nil, ConsumerOptions{})
	assert.Error(t, err)
}

func TestProcessDeliversByID(t *testing.T) {
	rep := newBoardRepo(t, enginetest.NewMemStore())
	seedBoard(t, rep, "b-1", "eu")
	seedBoard(t, rep, "b-2", "eu")
	c := newRoutingConsumer(t, rep, nil)

	msg := externalMsg(t, "messages.board.id.b-1", noticePublished{Text: "hello"})
	require.NoError(t, c.process(context.Background(), msg))

	assert.Equal(t, []string{"hello"}, boardNotes(t, rep, "b-1"))
	assert.Empty(t, boardNotes(t, rep, "b-2"))
}

func TestProcessDeliversByTag(t *testing.T) {
	rep := newBoardRepo(t, enginetest.NewMemStore())
	seedBoard(t, rep, "b-eu", "eu")
	seedBoard(t, rep, "b-us", "us")
	c := newRoutingConsumer(t, rep, nil)

	msg := externalMsg(t, "messages.board.tag.region:eu", noticePublished{Text: "regional"})
	require.NoError(t, c.process(context.Background(), msg))

	assert.Equal(t, []string{"regional"}, boardNotes(t, rep, "b-eu"))
	assert.Empty(t, boardNotes(t, rep, "b-us"))
}

func TestProcessDeliversByTopic(t *testing.T) {
	rep := newBoardRepo(t, enginetest.NewMemStore())
	seedBoard(t, rep, "b-1", "eu", "notices.eu.north")
	seedBoard(t, rep, "b-2", "eu")
	c := newRoutingConsumer(t, rep, nil)

	// The topic itself contains dots and must survive subject parsing.
	msg := externalMsg(t, "messages.board.topic.notices.eu.north", noticePublished{Text: "fanout"})
	require.NoError(t, c.process(context.Background(), msg))

	assert.Equal(t, []string{"fanout"}, boardNotes(t, rep, "b-1"))
	assert.Empty(t, boardNotes(t, rep, "b-2"))
}

func TestProcessBroadcastReachesEveryBoard(t *testing.T) {
	rep := newBoardRepo(t, enginetest.NewMemStore())
	seedBoard(t, rep, "b-1", "eu")
	seedBoard(t, rep, "b-2", "us")
	c := newRoutingConsumer(t, rep, nil)

	msg := externalMsg(t, "messages.board.all.notice", noticePublished{Text: "to everyone"})
	require.NoError(t, c.process(context.Background(), msg))

	assert.Equal(t, []string{"to everyone"}, boardNotes(t, rep, "b-1"))
	assert.Equal(t, []string{"to everyone"}, boardNotes(t, rep, "b-2"))
}

func TestProcessHonorsPartitionFilter(t *testing.T) {
	rep := newBoardRepo(t, enginetest.NewMemStore())
	seedBoard(t, rep, "b-1", "eu")
	seedBoard(t, rep, "b-2", "eu")
	c := newRoutingConsumer(t, rep, func(id string) bool { return id == "b-2" })

	msg := externalMsg(t, "messages.board.all.notice", noticePublished{Text: "partitioned"})
	require.NoError(t, c.process(context.Background(), msg))

	assert.Empty(t, boardNotes(t, rep, "b-1"))
	assert.Equal(t, []string{"partitioned"}, boardNotes(t, rep, "b-2"))
}

func TestProcessTreatsRejectionAsHandled(t *testing.T) {
	rep := newBoardRepo(t, enginetest.NewMemStore())
	seedBoard(t, rep, "b-1", "eu")
	c := newRoutingConsumer(t, rep, nil)

	// An empty note is rejected by Decide; redelivery cannot fix that,
	// so process reports success and the message gets acked.
	msg := externalMsg(t, "messages.board.id.b-1", noticePublished{Text: ""})
	require.NoError(t, c.process(context.Background(), msg))
	assert.Empty(t, boardNotes(t, rep, "b-1"))
}

func TestProcessSkipsMissingWorkflow(t *testing.T) {
	rep := newBoardRepo(t, enginetest.NewMemStore())
	c := newRoutingConsumer(t, rep, nil)

	msg := externalMsg(t, "messages.board.id.ghost", noticePublished{Text: "hello"})
	require.NoError(t, c.process(context.Background(), msg))
}

func TestProcessIgnoresUnroutableSubject(t *testing.T) {
	rep := newBoardRepo(t, enginetest.NewMemStore())
	seedBoard(t, rep, "b-1", "eu")
	c := newRoutingConsumer(t, rep, nil)

	msg := &nats.Msg{Subject: "messages.order.id.b-1", Data: []byte(`{"text":"stray"}`)}
	require.NoError(t, c.process(context.Background(), msg))
	assert.Empty(t, boardNotes(t, rep, "b-1"))
}

func TestProcessIgnoresUnparseablePayload(t *testing.T) {
	rep := newBoardRepo(t, enginetest.NewMemStore())
	seedBoard(t, rep, "b-1", "eu")
	c := newRoutingConsumer(t, rep, nil)

	msg := &nats.Msg{Subject: "messages.board.id.b-1", Data: []byte("not json")}
	require.NoError(t, c.process(context.Background(), msg))
	assert.Empty(t, boardNotes(t, rep, "b-1"))
}

func TestProcessNoTargetsIsNoop(t *testing.T) {
	rep := newBoardRepo(t, enginetest.NewMemStore())
	seedBoard(t, rep, "b-1", "eu")
	c := newRoutingConsumer(t, rep, nil)

	msg := externalMsg(t, "messages.board.topic.unfollowed", noticePublished{Text: "x"})
	require.NoError(t, c.process(context.Background(), msg))
	assert.Empty(t, boardNotes(t, rep, "b-1"))

	// An id route with an empty detail resolves to nothing as well.
	msg = externalMsg(t, "messages.board.id.", noticePublished{Text: "x"})
	require.NoError(t, c.process(context.Background(), msg))
	assert.Empty(t, boardNotes(t, rep, "b-1"))
}
