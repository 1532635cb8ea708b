package minioctrl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotObjectName(t *testing.T) {
	assert.Equal(t, "docA/0a1b.json", SnapshotObjectName("docA", "0a1b"))
	assert.Equal(t, "site/pages/faq/0a1b.json", SnapshotObjectName("site/pages/faq", "0a1b"))
}
