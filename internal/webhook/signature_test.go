package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event_id":"e-1","event_type":"order.created"}`)

	sig := Sign(body, "s3cret")
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign(body, "s3cret"))

	assert.True(t, Verify(body, "s3cret", sig))
	assert.False(t, Verify(body, "other", sig))
	assert.False(t, Verify([]byte(`{"event_id":"e-2"}`), "s3cret", sig))
	assert.False(t, Verify(body, "s3cret", "not-hex"))
	assert.False(t, Verify(body, "s3cret", ""))
}
