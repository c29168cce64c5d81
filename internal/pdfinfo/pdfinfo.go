// Package pdfinfo проверяет структуру PDF и считает страницы через pdfcpu.
package pdfinfo

import (
	"errors"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrInvalidPDF: документ не читается как PDF.
var ErrInvalidPDF = errors.New("invalid PDF document")

// Info: сведения о документе.
type Info struct {
	PageCount int
}

// Inspect читает и валидирует документ. Позиция rs после вызова не определена.
func Inspect(rs io.ReadSeeker) (Info, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return Info{}, fmt.Errorf("failed to rewind document: %w", err)
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadValidateAndOptimize(rs, conf)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}

	return Info{PageCount: ctx.PageCount}, nil
}
