package ctrlap

import (
	"testing"

	"github.com/soup0r/meshflasher/internal/session"
	"github.com/soup0r/meshflasher/internal/swdline"
	"github.com/stretchr/testify/require"
)

func TestUnlockClearsApprotectAndErasesFlash(t *testing.T) {
	target := swdline.NewVirtualTarget(0x2BA01477)
	target.EnableProtection()
	sess := session.New(target)
	_, err := sess.Connect()
	require.NoError(t, err)

	u := New(sess, 0)
	require.NoError(t, u.Unlock())

	require.True(t, sess.IsConnected())

	uicr := target.ReadMem(0x10001208, 4)
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, uicr)

	flashWord := target.ReadMem(0x0, 4)
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, flashWord)
}

func TestUnlockSucceedsWhenAlreadyUnprotected(t *testing.T) {
	target := swdline.NewVirtualTarget(0x2BA01477)
	sess := session.New(target)
	_, err := sess.Connect()
	require.NoError(t, err)

	u := New(sess, 0)
	require.NoError(t, u.Unlock())
}
