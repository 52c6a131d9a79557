package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const defaultBcryptCost = bcrypt.DefaultCost

// HashAdminPassword 生成可直接填入 ADMIN_PASSWORD 的 bcrypt 哈希。
func HashAdminPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password must not be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), defaultBcryptCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// MatchAdminPassword 校验管理端登录密码。ADMIN_PASSWORD 支持两种形态：
// bcrypt 哈希（按 $2a/$2b/$2y 前缀识别）走 bcrypt 比较，明文用常数时间比较。
func MatchAdminPassword(configured, candidate string) bool {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return false
	}
	if isBcryptHash(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(candidate)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(candidate)) == 1
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") ||
		strings.HasPrefix(value, "$2b$") ||
		strings.HasPrefix(value, "$2y$")
}
