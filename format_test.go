package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatTime(t *testing.T) {
	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.UTC)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.UTC)

	t.Run("same year", func(t *testing.T) {
		result := formatTime(sameYear)
		assert.Contains(t, result, "Mar")
		assert.Contains(t, result, "15")
		assert.Contains(t, result, "10:30")
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(diffYear)
		assert.Contains(t, result, "Dec")
		assert.Contains(t, result, "25")
		assert.Contains(t, result, "2020")
	})
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"ENTITY", "PENDING"}
	rows := [][]string{
		{"scene-1", "3"},
		{"chapter-long-name", "1"},
	}

	printTable(&buf, headers, rows)

	out := buf.String()
	assert.Contains(t, out, "ENTITY")
	assert.Contains(t, out, "scene-1")
	assert.Contains(t, out, "chapter-long-name")

	// All rows padded to the same width.
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	assert.Len(t, lines, 3)
}

func TestPrintTable_Empty(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"A"}, nil)

	assert.Contains(t, buf.String(), "A")
}
