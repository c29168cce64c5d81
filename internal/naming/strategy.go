package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Strategy определяет имя объекта в каталоге публикации.
type Strategy string

const (
	// StrategyOriginal сохраняет исходное имя файла.
	StrategyOriginal Strategy = "original"
	// StrategyUUID заменяет имя случайным UUID.
	StrategyUUID Strategy = "uuid"
	// StrategyHash использует SHA-256 содержимого.
	StrategyHash Strategy = "hash"
	// StrategyTimestamp добавляет к имени отметку времени загрузки.
	StrategyTimestamp Strategy = "timestamp"
)

// ParseStrategy проверяет значение из конфигурации.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StrategyOriginal, nil
	case StrategyOriginal, StrategyUUID, StrategyHash, StrategyTimestamp:
		return st, nil
	default:
		return "", fmt.Errorf("unknown naming strategy %q", s)
	}
}

// ObjectName возвращает имя объекта для исходного файла.
// checksum: hex SHA-256 содержимого, используется стратегией hash.
func (s Strategy) ObjectName(original, checksum string, now time.Time) string {
	original = SafeFilename(original)
	ext := strings.ToLower(path.Ext(original))

	switch s {
	case StrategyUUID:
		return uuid.NewString() + ext
	case StrategyHash:
		if checksum == "" {
			sum := sha256.Sum256([]byte(original))
			checksum = hex.EncodeToString(sum[:])
		}
		return checksum + ext
	case StrategyTimestamp:
		return WithToken(original, now.UTC().Format("20060102T150405"))
	default:
		return original
	}
}

// WithToken вставляет токен перед расширением: report.pdf → report-token.pdf.
func WithToken(filename, token string) string {
	ext := path.Ext(filename)
	return strings.TrimSuffix(filename, ext) + "-" + token + ext
}

// UniqueToken: короткий случайный суффикс для разрешения коллизий.
func UniqueToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// SafeFilename отрезает путь клиента и недопустимые символы.
func SafeFilename(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return DefaultName
	}
	return name
}
