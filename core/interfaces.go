package core

import (
	"llm-toolfix/models"
)

// SecretProvider 抽象密钥加解密
// 用于读取配置时自动解密上游 API Key
type SecretProvider interface {
	Decrypt(ciphertext string) (string, error)
	Encrypt(plaintext string) (string, error)
}

// AuditSink 回调审计记录的去向，AsyncHookLogger 实现此接口
type AuditSink interface {
	Log(entry *models.HookLog)
}

// noopAuditSink 未启用审计时使用
type noopAuditSink struct{}

func (noopAuditSink) Log(*models.HookLog) {}
