package mctext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/mctext/protocol"
)

func lineEvent(t *testing.T, line string) protocol.Event {
	t.Helper()
	var d protocol.Decoder
	d.Feed([]byte(line + "\r\n"))
	ev, err := d.Next()
	require.NoError(t, err)
	return ev
}

func TestResolveLine(t *testing.T) {
	get := func() *protocol.Command { return protocol.NewRetrievalCommand(protocol.CmdGet, []string{"k"}) }
	set := func() *protocol.Command {
		return protocol.NewStorageCommand(protocol.CmdSet, "k", 0, 0, []byte("v"), 0)
	}
	cas := func() *protocol.Command {
		return protocol.NewStorageCommand(protocol.CmdCAS, "k", 0, 0, []byte("v"), 1)
	}
	incr := func() *protocol.Command { return protocol.NewArithmeticCommand(protocol.CmdIncr, "k", 1) }
	del := func() *protocol.Command { return protocol.NewDeleteCommand("k") }
	touch := func() *protocol.Command { return protocol.NewTouchCommand("k", 0) }
	flush := func() *protocol.Command { return protocol.NewFlushAllCommand(0) }
	version := func() *protocol.Command { return protocol.NewVersionCommand() }

	tests := []struct {
		name    string
		cmd     func() *protocol.Command
		line    string
		want    result
		wantErr any
		is      error
	}{
		{name: "get end", cmd: get, line: "END", want: result{items: map[string]Item{}}},
		{name: "set stored", cmd: set, line: "STORED"},
		{name: "set not stored", cmd: set, line: "NOT_STORED", wantErr: &protocol.StoreError{}, is: ErrNotStored},
		{name: "cas exists", cmd: cas, line: "EXISTS", wantErr: &protocol.StoreError{}, is: ErrExists},
		{name: "cas not found", cmd: cas, line: "NOT_FOUND", wantErr: &protocol.StoreError{}, is: ErrNotFound},
		{name: "delete deleted", cmd: del, line: "DELETED"},
		{name: "touch touched", cmd: touch, line: "TOUCHED"},
		{name: "incr number", cmd: incr, line: "42", want: result{number: 42}},
		{name: "incr max", cmd: incr, line: "18446744073709551615", want: result{number: 18446744073709551615}},
		{name: "flush ok", cmd: flush, line: "OK"},
		{name: "version", cmd: version, line: "VERSION 1.6.21", want: result{text: "1.6.21"}},
		{name: "error", cmd: set, line: "ERROR", wantErr: &protocol.InvalidCommandError{}},
		{name: "client error", cmd: set, line: "CLIENT_ERROR bad data chunk", wantErr: &protocol.ClientOrServerError{}},
		{name: "server error", cmd: get, line: "SERVER_ERROR out of memory", wantErr: &protocol.ClientOrServerError{}},
		{name: "ok to set", cmd: set, line: "OK", wantErr: &protocol.UnexpectedResponseError{}},
		{name: "end to set", cmd: set, line: "END", wantErr: &protocol.UnexpectedResponseError{}},
		{name: "number to delete", cmd: del, line: "42", wantErr: &protocol.UnexpectedResponseError{}},
		{name: "number overflow", cmd: incr, line: "18446744073709551616", wantErr: &protocol.UnexpectedResponseError{}},
		{name: "version to get", cmd: get, line: "VERSION 1.6.21", wantErr: &protocol.UnexpectedResponseError{}},
		{name: "garbage", cmd: get, line: "HELLO", wantErr: &protocol.UnexpectedResponseError{}},
		{name: "empty line", cmd: get, line: "", wantErr: &protocol.UnexpectedResponseError{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(tt.cmd())
			defer req.release()

			res := resolveLine(req, lineEvent(t, tt.line))

			if tt.wantErr == nil {
				require.NoError(t, res.err)
				assert.Equal(t, tt.want, res)
				return
			}
			require.Error(t, res.err)
			assert.IsType(t, tt.wantErr, res.err)
			if tt.is != nil {
				assert.ErrorIs(t, res.err, tt.is)
			}
		})
	}
}

func TestResolveLineReplyMessage(t *testing.T) {
	req := newRequest(protocol.NewStorageCommand(protocol.CmdSet, "k", 0, 0, []byte("v"), 0))
	defer req.release()

	res := resolveLine(req, lineEvent(t, "SERVER_ERROR  out of memory storing object "))
	var replyErr *protocol.ClientOrServerError
	require.ErrorAs(t, res.err, &replyErr)
	assert.Equal(t, "out of memory storing object", replyErr.Message)
	assert.Equal(t, "set k 0 0 1", replyErr.Sent)
	assert.True(t, replyErr.IsServerError())
}

func TestCollectBlock(t *testing.T) {
	get := newRequest(protocol.NewRetrievalCommand(protocol.CmdGets, []string{"a", "b"}))
	defer get.release()

	require.True(t, collectBlock(get, protocol.Block{Key: "a", Flags: 1, Size: 1, Data: []byte("x"), CAS: 9, HasCAS: true}))
	res := resolveLine(get, lineEvent(t, "END"))
	require.NoError(t, res.err)
	assert.Equal(t, map[string]Item{"a": {Key: "a", Value: []byte("x"), Flags: 1, CAS: 9}}, res.items)

	del := newRequest(protocol.NewDeleteCommand("a"))
	defer del.release()
	assert.False(t, collectBlock(del, protocol.Block{Key: "a"}))
}
