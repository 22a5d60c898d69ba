package session

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeURIComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "abcXYZ019", want: "abcXYZ019"},
		{in: "-_.!~*'()", want: "-_.!~*'()"},
		{in: "a b&c=d/e?", want: "a%20b%26c%3Dd%2Fe%3F"},
		{in: "ñ", want: "%C3%B1"},
		{in: "F1,F2", want: "F1%2CF2"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeURIComponent(tt.in))
		})
	}
}

func TestRequestEncode(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "question only",
			req:  NewRequest("hi there", "a1", "", nil, 7000),
			want: "question=hi%20there&app_id=a1",
		},
		{
			name: "all keys in order",
			req:  NewRequest("q", "a1", "c1", []string{"F1", "F2"}, 7000),
			want: "question=q&app_id=a1&conversation_id=c1&file=F1%2CF2",
		},
		{
			name: "cached question omitted",
			req:  NewRequest(strings.Repeat("x", 7001), "a1", "c1", nil, 7000),
			want: "app_id=a1&conversation_id=c1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.Encode())
		})
	}
}

func TestOversizedThresholdUsesEncodedLength(t *testing.T) {
	// 7000 raw characters stay under the limit, but spaces triple when encoded.
	assert.False(t, NewRequest(strings.Repeat("x", 7000), "a1", "", nil, 7000).Cached)
	assert.True(t, NewRequest(strings.Repeat(" ", 2334), "a1", "", nil, 7000).Cached)
	assert.False(t, NewRequest(strings.Repeat(" ", 2333), "a1", "", nil, 7000).Cached)
}

func TestWrapContext(t *testing.T) {
	assert.Equal(t, "plain", WrapContext("plain", nil))
	assert.Equal(t, "plain", WrapContext("plain", json.RawMessage(`null`)))
	assert.Equal(t,
		"<Context>{\n  \"contextTitle\": \"Order\",\n  \"id\": 4\n}</Context>\n<Question>total?</Question>",
		WrapContext("total?", json.RawMessage(`{"contextTitle":"Order","id":4}`)))
}
