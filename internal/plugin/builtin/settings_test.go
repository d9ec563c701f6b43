package builtin

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"plugbot/internal/domain"
)

const owner domain.Identity = "15551230000"

func TestParseDelay(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"0", 0, true},
		{"5", 5, true},
		{"5.9", 5, true},
		{"30", 30, true},
		{"31", 30, true},
		{"1e9", 30, true},
		{"-1", 0, false},
		{"-0.5", 0, false},
		{"abc", 0, false},
		{"NaN", 0, false},
		{"Inf", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseDelay(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDelay_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		x := rapid.Float64Range(0, 1e6).Draw(t, "x")
		got, ok := ParseDelay(strconv.FormatFloat(x, 'f', -1, 64))
		if !ok {
			t.Fatalf("finite non-negative %v rejected", x)
		}
		if want := int(math.Min(30, math.Floor(x))); got != want {
			t.Fatalf("ParseDelay(%v) = %d, want %d", x, got, want)
		}
	})
}

func TestDelayCommand_StoresClampedValue(t *testing.T) {
	h := newHarness(t)
	spec := Delay(".")

	require.NoError(t, h.run(spec, owner, "12.7"))
	assert.Equal(t, "Reply delay set to up to 12 second(s).", h.lastReply())

	require.NoError(t, h.run(spec, owner, "show"))
	assert.Equal(t, "Reply delay: up to 12 second(s).", h.lastReply())

	data, err := os.ReadFile(filepath.Join(h.root.Root(), "delay", "delay.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"maxSeconds":12}`, string(data))
}

func TestDelayCommand_RejectsWithoutMutation(t *testing.T) {
	h := newHarness(t)
	spec := Delay(".")
	doc := DelayDocument(h.root.Scope(PluginDelay))

	rapid.Check(t, func(t *rapid.T) {
		require.NoError(t, doc.Set(context.Background(), DelaySettings{MaxSeconds: 7}))
		bad := rapid.OneOf(
			rapid.StringMatching(`-[1-9][0-9]{0,3}(\.[0-9]+)?`),
			rapid.StringMatching(`[a-z]{1,8}`).Filter(func(s string) bool {
				s = strings.ToLower(s)
				return s != "show" && s != "inf" && s != "infinity" && s != "nan"
			}),
			rapid.SampledFrom([]string{"NaN", "Inf", "-Inf", "1..2", "5s"}),
		).Draw(t, "input")

		err := h.run(spec, owner, bad)
		var ve *domain.ValidationError
		if !assert.ErrorAs(t, err, &ve) {
			return
		}
		assert.Equal(t, "Usage: .delay <seconds 0-30> | show", ve.Message)

		cur, err := doc.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 7, cur.MaxSeconds)
	})
}

func TestOwnerCommand(t *testing.T) {
	h := newHarness(t)
	spec := Owner(".", "")

	require.NoError(t, h.run(spec, owner, ""))
	assert.Equal(t, "Owner name: Owner", h.lastReply())

	require.NoError(t, h.run(spec, owner, "JusticeTech"))
	assert.Equal(t, "Owner name updated to JusticeTech.", h.lastReply())

	cur, err := OwnerDocument(h.root.Scope(PluginOwner), "").Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "JusticeTech", cur.Name)

	var ve *domain.ValidationError
	require.ErrorAs(t, h.run(spec, owner, "x"), &ve)
	require.ErrorAs(t, h.run(spec, owner, strings.Repeat("y", 51)), &ve)

	cur, err = OwnerDocument(h.root.Scope(PluginOwner), "").Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "JusticeTech", cur.Name)
}

func TestGenericCommand(t *testing.T) {
	h := newHarness(t)
	spec := Generic(".")

	require.NoError(t, h.run(spec, owner, ""))
	assert.Equal(t, "Generic label is not set.", h.lastReply())

	require.NoError(t, h.run(spec, owner, "Night Shift"))
	require.NoError(t, h.run(spec, owner, ""))
	assert.Equal(t, "Generic label: Night Shift", h.lastReply())

	require.NoError(t, h.run(spec, owner, "clear"))
	cur, err := GenericDocument(h.root.Scope(PluginGeneric)).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", cur.Name)
}

func TestReplyDelay(t *testing.T) {
	h := newHarness(t)
	pause := ReplyDelay(h.root)
	assert.Zero(t, pause(context.Background()))

	require.NoError(t, DelayDocument(h.root.Scope(PluginDelay)).Set(context.Background(), DelaySettings{MaxSeconds: 2}))
	for range 20 {
		d := pause(context.Background())
		assert.GreaterOrEqual(t, d.Seconds(), 0.0)
		assert.Less(t, d.Seconds(), 2.0)
	}
}
