package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailwarm/backend/internal/domain"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)
	return box
}

func TestNewBox(t *testing.T) {
	t.Run("密钥不是 base64", func(t *testing.T) {
		_, err := NewBox("not base64!!")
		assert.Error(t, err)
	})

	t.Run("密钥长度错误", func(t *testing.T) {
		_, err := NewBox(base64.StdEncoding.EncodeToString([]byte("short")))
		assert.Error(t, err)
	})
}

func TestBox_SealOpen(t *testing.T) {
	box := newTestBox(t)

	sealed, err := box.Seal("app-password")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "app-password")

	again, err := box.Seal("app-password")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "每次加密使用新的 nonce")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "app-password", plain)

	t.Run("明文与空值原样通过", func(t *testing.T) {
		v, err := box.Open("legacy-plain")
		require.NoError(t, err)
		assert.Equal(t, "legacy-plain", v)

		empty, err := box.Seal("")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("重复加密不会嵌套", func(t *testing.T) {
		twice, err := box.Seal(sealed)
		require.NoError(t, err)
		assert.Equal(t, sealed, twice)
	})

	t.Run("其他密钥无法解密", func(t *testing.T) {
		_, err := newTestBox(t).Open(sealed)
		assert.ErrorIs(t, err, ErrMalformedCiphertext)
	})

	t.Run("截断的密文", func(t *testing.T) {
		_, err := box.Open(sealedPrefix + "AAAA")
		assert.ErrorIs(t, err, ErrMalformedCiphertext)
	})
}

func TestBox_Mailbox(t *testing.T) {
	box := newTestBox(t)
	m := &domain.Mailbox{ID: "mb-1", SMTPPassword: "smtp-secret", IMAPPassword: "imap-secret"}

	sealed, err := box.SealMailbox(m)
	require.NoError(t, err)
	assert.Equal(t, "smtp-secret", m.SMTPPassword, "原对象不被修改")
	assert.True(t, IsSealed(sealed.SMTPPassword))
	assert.True(t, IsSealed(sealed.IMAPPassword))

	opened, err := box.OpenMailbox(sealed)
	require.NoError(t, err)
	assert.Equal(t, "smtp-secret", opened.SMTPPassword)
	assert.Equal(t, "imap-secret", opened.IMAPPassword)
}
