package redis

import (
	"os"
	"testing"

	"github.com/objones25/factorstore/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.InitTestLogger()
	os.Exit(m.Run())
}
