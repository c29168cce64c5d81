// Package naming разбирает имена загружаемых файлов публикаций и строит
// пути хранения по метаданным.
package naming

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// DefaultName используется, когда из имени файла не удалось извлечь название.
const DefaultName = "unknown"

// RootPrefix: корневой префикс всех публикаций в хранилище.
const RootPrefix = "publications"

// ThumbnailPrefix: превью лежат отдельно от загруженных файлов.
const ThumbnailPrefix = "thumbnails"

// dayPagePattern: сегмент дня: две цифры дня и необязательный номер страницы.
var dayPagePattern = regexp.MustCompile(`^(\d{2})(\d*)$`)

// ParsedFilename: метаданные, извлечённые из имени файла.
// Отсутствующие числовые поля равны nil.
type ParsedFilename struct {
	Name  string
	Year  *int
	Month *int
	Day   *int
	Page  *int
}

// ParseFilename разбирает имя вида NAME-YYYY-MM-DD[PAGE].ext.
// Нечисловой или выходящий за допустимый диапазон сегмент даёт отсутствующее поле.
func ParseFilename(filename string) ParsedFilename {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if base == "." || base == "/" {
		base = ""
	}
	base = strings.TrimSuffix(base, path.Ext(base))

	segments := strings.Split(base, "-")

	parsed := ParsedFilename{Name: segments[0]}
	if parsed.Name == "" {
		parsed.Name = DefaultName
	}

	if len(segments) < 4 {
		return parsed
	}

	parsed.Year = parseInRange(segments[1], 1, 9999)
	parsed.Month = parseInRange(segments[2], 1, 12)

	if m := dayPagePattern.FindStringSubmatch(segments[3]); m != nil {
		parsed.Day = parseInRange(m[1], 1, 31)
		if m[2] != "" {
			parsed.Page = parseInRange(m[2], 1, maxInt)
		}
	} else {
		parsed.Day = parseInRange(segments[3], 1, 31)
	}

	return parsed
}

const maxInt = int(^uint(0) >> 1)

func parseInRange(s string, lo, hi int) *int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < lo || n > hi {
		return nil
	}
	return &n
}

// BuildDirectory строит иерархический каталог публикации:
// publications/{name}[/{year}[/{MM}[/{DD}]]].
// Более глубокий сегмент добавляется только при наличии предыдущего.
func BuildDirectory(name string, year, month, day *int) string {
	var b strings.Builder
	b.WriteString(RootPrefix)
	b.WriteByte('/')
	b.WriteString(cleanSegment(strings.ToLower(name)))

	if !present(year) {
		return b.String()
	}
	fmt.Fprintf(&b, "/%d", *year)

	if !present(month) {
		return b.String()
	}
	fmt.Fprintf(&b, "/%02d", *month)

	if !present(day) {
		return b.String()
	}
	fmt.Fprintf(&b, "/%02d", *day)

	return b.String()
}

// cleanSegment не даёт названию выйти за пределы каталога публикаций.
func cleanSegment(s string) string {
	s = strings.NewReplacer("/", "_", `\`, "_").Replace(strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." {
		return DefaultName
	}
	return s
}

func present(v *int) bool {
	return v != nil && *v != 0
}
