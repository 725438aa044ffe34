package reply

import (
	"context"
	"errors"
	"strings"
	"testing"

	"replydesk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingGenerator struct {
	output       string
	err          error
	system, user string
}

func (r *recordingGenerator) Generate(_ context.Context, system, user string) (string, error) {
	r.system, r.user = system, user
	return r.output, r.err
}

func TestParseTemplate(t *testing.T) {
	elements, err := ParseTemplate(`[{"title":"Course","subtitle":"6 weeks","image_url":"https://cdn.example.com/c.png",
		"default_action":{"type":"web_url","url":"https://example.com"},
		"buttons":[{"type":"web_url","title":"Enroll","url":"https://example.com/enroll"}]}]`)
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, "Course", elements[0].Title)
	require.NotNil(t, elements[0].DefaultAction)
	assert.Equal(t, "web_url", elements[0].Buttons[0].Type)

	wrapped, err := ParseTemplate(`{"elements":[{"text":"Hi"}]}`)
	require.NoError(t, err)
	assert.Equal(t, "Hi", wrapped[0].Title)
}

func TestParseTemplate_Invalid(t *testing.T) {
	tooMany := "[" + strings.TrimSuffix(strings.Repeat(`{"title":"x"},`, 11), ",") + "]"
	tests := map[string]string{
		"not json":         `nope`,
		"empty":            `[]`,
		"missing title":    `[{"subtitle":"x"}]`,
		"too many":         tooMany,
		"too many buttons": `[{"title":"x","buttons":[{"title":"a","url":"https://a.io"},{"title":"b","url":"https://a.io"},{"title":"c","url":"https://a.io"},{"title":"d","url":"https://a.io"}]}]`,
		"bad button url":   `[{"title":"x","buttons":[{"title":"a","url":"not a url"}]}]`,
		"button no title":  `[{"title":"x","buttons":[{"url":"https://a.io"}]}]`,
		"postback button":  `[{"title":"x","buttons":[{"type":"postback","title":"a","url":"https://a.io"}]}]`,
		"bad image":        `[{"title":"x","image_url":"ftp://a.io/i.png"}]`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTemplate(content)
			assert.ErrorIs(t, err, ErrInvalidTemplate)
		})
	}
}

func TestGeneral_UsesProfileAndHistory(t *testing.T) {
	gen := &recordingGenerator{output: `  "Hey! Yes, we ship to Canada."  `}
	g := NewGenerator(gen, zap.NewNop())

	profile := &models.ReplyProfile{Tone: "warm", Offers: []string{"Starter kit"}, FAQs: []models.FAQ{{Question: "Shipping?", Answer: "Worldwide"}}}
	text, err := g.General(context.Background(), profile,
		[]Turn{{FromContact: true, Text: "hi"}, {Text: "hello!"}}, "do you ship to canada?")
	require.NoError(t, err)
	assert.Equal(t, "Hey! Yes, we ship to Canada.", text)
	assert.Contains(t, gen.system, "Starter kit")
	assert.Contains(t, gen.system, "Worldwide")
	assert.Contains(t, gen.user, "Customer: hi\nBusiness: hello!")
}

func TestGenerator_Failures(t *testing.T) {
	g := NewGenerator(&recordingGenerator{err: errors.New("down")}, zap.NewNop())
	_, err := g.FromPrompt(context.Background(), "answer politely", "hi")
	assert.Error(t, err)

	g = NewGenerator(&recordingGenerator{output: "   "}, zap.NewNop())
	_, err = g.FromPrompt(context.Background(), "answer politely", "hi")
	assert.ErrorIs(t, err, ErrEmptyReply)

	_, err = NewGenerator(nil, zap.NewNop()).General(context.Background(), nil, nil, "hi")
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestClean_Caps(t *testing.T) {
	assert.Len(t, []rune(Clean(strings.Repeat("ü", MaxReplyRunes+10))), MaxReplyRunes)
}
