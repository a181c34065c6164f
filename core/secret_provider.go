package core

import (
	"llm-toolfix/core/security"
)

// NoOpSecretProvider 明文透传，未配置 TOOLFIX_SECRET_KEY 时使用
type NoOpSecretProvider struct{}

func NewNoOpSecretProvider() *NoOpSecretProvider {
	return &NoOpSecretProvider{}
}

func (s *NoOpSecretProvider) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}

func (s *NoOpSecretProvider) Encrypt(plaintext string) (string, error) {
	return plaintext, nil
}

// NewSecretProvider 有密钥时使用 AES-GCM，否则明文透传
func NewSecretProvider(secretKey string) (SecretProvider, error) {
	if secretKey == "" {
		return NewNoOpSecretProvider(), nil
	}
	p, err := security.NewAESSecretProvider(secretKey)
	if err != nil {
		return nil, err
	}
	return p, nil
}
