package utils

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty string", input: "", expected: nil},
		{name: "single value", input: "AAPL", expected: []string{"AAPL"}},
		{name: "varied spacing", input: "AAPL,  MSFT , NVDA", expected: []string{"AAPL", "MSFT", "NVDA"}},
		{name: "empty parts", input: ",AAPL,,", expected: []string{"AAPL"}},
		{name: "only separators", input: " , , ", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseCSV(tt.input))
		})
	}
}

func TestParseSymbols(t *testing.T) {
	assert.Equal(t, []string{"AAPL", "MSFT"}, ParseSymbols("aapl, MSFT, Aapl"))
	assert.Nil(t, ParseSymbols(""))
}

func TestNewID_SortsByCreation(t *testing.T) {
	prev := NewID("exec_")
	assert.True(t, strings.HasPrefix(prev, "exec_"))
	assert.Len(t, prev, len("exec_")+26)

	for i := 0; i < 100; i++ {
		next := NewID("exec_")
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestOperationTimer(t *testing.T) {
	done := OperationTimer("noop", time.Hour, zerolog.New(nil).Level(zerolog.Disabled))
	assert.GreaterOrEqual(t, done(), time.Duration(0))
}

func TestOperationTimer_WarnsWhenSlow(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	done := OperationTimer("cycle", time.Nanosecond, log)
	time.Sleep(time.Millisecond)
	done()
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"slow":true`)

	buf.Reset()
	MeasureDBQuery("save_batches", log)(3)
	assert.Contains(t, buf.String(), `"level":"debug"`)
	assert.Contains(t, buf.String(), `"rows":3`)
}
