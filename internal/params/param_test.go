package params

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/chatgate/internal/faults"
)

func TestParamValidate(t *testing.T) {
	schema := `{"type": "object", "required": ["host"], "properties": {"port": {"type": "integer"}}}`

	tests := []struct {
		name  string
		param Param
		ok    bool
	}{
		{"string", Param{Key: "k", Kind: KindString, Value: "anything"}, true},
		{"empty value", Param{Key: "k", Kind: KindString, Value: "  "}, false},
		{"number", Param{Key: "k", Kind: KindNumber, Value: "12.5"}, true},
		{"bad number", Param{Key: "k", Kind: KindNumber, Value: "twelve"}, false},
		{"boolean", Param{Key: "k", Kind: KindBoolean, Value: "TRUE"}, true},
		{"bad boolean", Param{Key: "k", Kind: KindBoolean, Value: "yes"}, false},
		{"array", Param{Key: "k", Kind: KindArray, Value: `["a", 1]`}, true},
		{"bad array", Param{Key: "k", Kind: KindArray, Value: `{"a": 1}`}, false},
		{"structured", Param{Key: "k", Kind: KindStructured, Value: `{"host": "x"}`}, true},
		{"structured not object", Param{Key: "k", Kind: KindStructured, Value: `[1]`}, false},
		{"structured matches schema", Param{Key: "k", Kind: KindStructured, Value: `{"host": "x", "port": 80}`, Schema: schema}, true},
		{"structured fails schema", Param{Key: "k", Kind: KindStructured, Value: `{"port": "80"}`, Schema: schema}, false},
		{"schema on scalar", Param{Key: "k", Kind: KindString, Value: "x", Schema: schema}, false},
		{"unknown kind", Param{Key: "k", Kind: "date", Value: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.param.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidValue)
			assert.ErrorIs(t, err, faults.ErrConfigInvalid)
		})
	}
}

func TestParamInt(t *testing.T) {
	p := Param{Key: KeyMaxChatCount, Value: " 100 "}
	n, err := p.Int()
	assert.NoError(t, err)
	assert.Equal(t, int64(100), n)

	p.Value = "1.5"
	_, err = p.Int()
	assert.ErrorIs(t, err, faults.ErrConfigInvalid)
}
