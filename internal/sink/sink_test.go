package sink

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackedBody struct {
	io.Reader
	closed bool
}

func (b *trackedBody) Close() error { b.closed = true; return nil }

func response(code int, body string) (*http.Response, *trackedBody) {
	tb := &trackedBody{Reader: strings.NewReader(body)}
	return &http.Response{StatusCode: code, Body: tb}, tb
}

func TestCheckResponseClassifiesStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		code      int
		wantErr   bool
		permanent bool
	}{
		{200, false, false},
		{204, false, false},
		{400, true, true},
		{401, true, true},
		{404, true, true},
		{408, true, false},
		{429, true, false},
		{500, true, false},
		{503, true, false},
		{302, true, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			resp, body := response(tc.code, " oops \n")
			err := CheckResponse(resp)
			assert.True(t, body.closed)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.permanent, IsPermanent(err))
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.code, se.Code)
			assert.Equal(t, "oops", se.Body)
		})
	}
}

func TestPermanentWrapsAndUnwraps(t *testing.T) {
	t.Parallel()
	base := errors.New("bad token")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "bad token", err.Error())
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func TestJoinTags(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", JoinTags(nil))
	assert.Equal(t, "ci,nagios", JoinTags([]string{"ci", "nagios"}))
}
