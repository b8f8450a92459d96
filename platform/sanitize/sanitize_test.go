package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestText(t *testing.T) {
	assert.Equal(t, "trigger 7 saved", Text("  trigger <b>7</b>\nsaved\r\n"))
	assert.Equal(t, "", Text("<script></script>"))
}
