// Package crypto 提供邮箱凭据的落库加密。
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"mailwarm/backend/internal/domain"
)

// sealedPrefix 标记已加密的字段，未带前缀的值按明文处理
const sealedPrefix = "enc:v1:"

// ErrMalformedCiphertext 密文格式错误或认证失败
var ErrMalformedCiphertext = errors.New("malformed credential ciphertext")

// Box 使用 XChaCha20-Poly1305 加解密凭据字符串
type Box struct {
	key []byte
}

// NewBox 根据 base64 编码的 32 字节密钥创建 Box
//
// 参数:
//   - base64Key: 标准 base64 编码的密钥
//
// 返回值:
//   - *Box: 加密器
//   - error: 密钥无法解码或长度不是 32 字节
func NewBox(base64Key string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode credential key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Box{key: key}, nil
}

// GenerateKey 生成一个新的 base64 编码密钥
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal 加密明文，空字符串与已加密的值原样返回
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open 解密 Seal 的输出，未加密的值原样返回
func (b *Box) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformedCiphertext
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	return string(plain), nil
}

// IsSealed 判断值是否为 Seal 的输出
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// SealMailbox 返回一份 SMTP/IMAP 密码已加密的邮箱副本
func (b *Box) SealMailbox(m *domain.Mailbox) (*domain.Mailbox, error) {
	out := *m
	var err error
	if out.SMTPPassword, err = b.Seal(m.SMTPPassword); err != nil {
		return nil, err
	}
	if out.IMAPPassword, err = b.Seal(m.IMAPPassword); err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenMailbox 返回一份密码已解密的邮箱副本
func (b *Box) OpenMailbox(m *domain.Mailbox) (*domain.Mailbox, error) {
	out := *m
	var err error
	if out.SMTPPassword, err = b.Open(m.SMTPPassword); err != nil {
		return nil, fmt.Errorf("mailbox %s smtp password: %w", m.ID, err)
	}
	if out.IMAPPassword, err = b.Open(m.IMAPPassword); err != nil {
		return nil, fmt.Errorf("mailbox %s imap password: %w", m.ID, err)
	}
	return &out, nil
}
