package schema

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickwire/errs"
)

func TestDecodeTick(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"msg_type":"tick","echo_req":{"ticks":"R_10","subscribe":1},"subscription":{"id":"abc"},"tick":{"symbol":"R_10","quote":100.5,"epoch":1000,"id":"abc"}}`))
	require.NoError(t, err)
	require.Equal(t, MsgTick, msg.Type)
	require.Equal(t, "abc", msg.SubscriptionID())
	require.Equal(t, "R_10", msg.Symbol())

	tick, ok := msg.Tick()
	require.True(t, ok)
	require.True(t, tick.Quote.Equal(decimal.RequireFromString("100.5")))
	require.Equal(t, int64(1000), tick.Epoch)
	require.False(t, msg.IsPong())
}

func TestDecodeAuthorizeWithAccountList(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"msg_type":"authorize","req_id":7,"authorize":{"loginid":"CR1","currency":"USD","is_virtual":0,"balance":"10.25","account_list":[{"loginid":"CR1","currency":"USD","is_virtual":0},{"loginid":"VR1","currency":"USD","is_virtual":1}]}}`))
	require.NoError(t, err)
	require.Equal(t, int64(7), msg.ReqID)

	info, ok := msg.Authorize()
	require.True(t, ok)
	require.Equal(t, "CR1", info.LoginID)
	require.False(t, bool(info.IsVirtual))
	require.Len(t, info.AccountList, 2)
	require.True(t, bool(info.AccountList[1].IsVirtual))
	require.Equal(t, "10.25", info.Balance.String())
}

func TestDecodeErrorPayload(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"msg_type":"authorize","req_id":9,"error":{"code":"InvalidToken","message":"The token is invalid."}}`))
	require.NoError(t, err)
	require.True(t, msg.Failed())
	require.Equal(t, "InvalidToken", msg.Error.Code)
}

func TestDecodePongVariants(t *testing.T) {
	bare, err := DecodeMessage([]byte(`{"pong":1}`))
	require.NoError(t, err)
	require.True(t, bare.IsPong())

	typed, err := DecodeMessage([]byte(`{"msg_type":"ping","ping":"pong","echo_req":{"ping":1}}`))
	require.NoError(t, err)
	require.True(t, typed.IsPong())
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	for _, raw := range []string{``, `not json`, `{"tick":{}}`, `[1,2]`} {
		_, err := DecodeMessage([]byte(raw))
		require.Error(t, err, raw)
		require.Equal(t, errs.CodeProtocol, errs.CodeOf(err), raw)
	}
}

func TestEncodeFrames(t *testing.T) {
	data, err := Encode(SubscribeTicks("R_10"))
	require.NoError(t, err)
	require.JSONEq(t, `{"ticks":"R_10","subscribe":1}`, string(data))

	data, err = Encode(Forget("abc"))
	require.NoError(t, err)
	require.JSONEq(t, `{"forget":"abc"}`, string(data))

	_, err = Encode(Frame{})
	require.Error(t, err)
}

func TestRequestType(t *testing.T) {
	require.Equal(t, "authorize", Authorize("tok").Type())
	require.Equal(t, "balance", BalanceSubscribe().Type())
	require.Equal(t, "website_status", Request{"website_status": 1, ReqIDField: 3}.Type())
}

func TestParsePool(t *testing.T) {
	pool, ok := ParsePool("Virtual")
	require.True(t, ok)
	require.Equal(t, PoolDemo, pool)
	_, ok = ParsePool("paper")
	require.False(t, ok)
	require.Equal(t, PoolReal, Account{LoginID: "CR1"}.Pool())
}

func TestPassthroughTagFromEchoOrTopLevel(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"msg_type":"tick","error":{"code":"AlreadySubscribed","message":"x"},"echo_req":{"ticks":"R_10","subscribe":1,"passthrough":{"sub_seq":7}}}`))
	require.NoError(t, err)
	seq, ok := msg.PassthroughUint("sub_seq")
	require.True(t, ok)
	require.Equal(t, uint64(7), seq)

	msg, err = DecodeMessage([]byte(`{"msg_type":"tick","passthrough":{"sub_seq":9},"echo_req":{"ticks":"R_10"}}`))
	require.NoError(t, err)
	seq, ok = msg.PassthroughUint("sub_seq")
	require.True(t, ok)
	require.Equal(t, uint64(9), seq)

	_, ok = msg.PassthroughUint("missing")
	require.False(t, ok)
}

func TestWithPassthroughCopiesFrame(t *testing.T) {
	base := SubscribeTicks("R_10")
	tagged := base.WithPassthrough(map[string]any{"sub_seq": 1})
	require.NotContains(t, base, PassthroughField)
	data, err := Encode(tagged)
	require.NoError(t, err)
	require.JSONEq(t, `{"ticks":"R_10","subscribe":1,"passthrough":{"sub_seq":1}}`, string(data))
}
