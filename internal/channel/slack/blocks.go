package slack

import (
	"fmt"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

const (
	maxBlockTextLength = 2900
	buttonLabelMax     = 32
)

// promptBody renders the message text. Prompt types without buttons get
// a thread-reply instruction; Slack links thread replies back to the
// prompt via the thread timestamp.
func promptBody(ev types.PromptEvent, sess channel.SessionContext) string {
	text := channel.PromptText(ev, sess, time.Now())
	switch {
	case ev.Type == types.PromptFreeText:
		text += "\n\nReply in this thread with your answer."
	case ev.Type == types.PromptMultipleChoice && len(ev.Choices) == 0:
		text += "\n\nReply in this thread with the option number."
	}
	return text
}

// promptBlocks builds the Block Kit message: one section with the body
// and, for button-backed prompts, one action block.
func promptBlocks(ev types.PromptEvent, body string) []goslack.Block {
	blocks := []goslack.Block{sectionBlock(body)}
	if buttons := promptButtons(ev); len(buttons) > 0 {
		blocks = append(blocks, goslack.NewActionBlock("answers:"+ev.ShortID(), buttons...))
	}
	return blocks
}

func sectionBlock(text string) goslack.Block {
	return goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(text), false, false),
		nil, nil,
	)
}

func promptButtons(ev types.PromptEvent) []goslack.BlockElement {
	button := func(label, value string) goslack.BlockElement {
		return goslack.NewButtonBlockElement(
			"ans_"+value,
			channel.EncodeCallback(ev, value),
			goslack.NewTextBlockObject(goslack.PlainTextType, label, false, false),
		)
	}
	switch ev.Type {
	case types.PromptYesNo:
		buttons := []goslack.BlockElement{button("Yes", "y"), button("No", "n")}
		if ev.SafeDefault != "" {
			buttons = append(buttons, button(fmt.Sprintf("Use default (%s)", ev.SafeDefault), channel.ValueDefault))
		}
		return buttons
	case types.PromptConfirmEnter:
		return []goslack.BlockElement{button("Send Enter", channel.ValueEnter)}
	case types.PromptMultipleChoice:
		buttons := make([]goslack.BlockElement, 0, len(ev.Choices))
		for _, c := range ev.Choices {
			buttons = append(buttons, button(choiceLabel(c), c.Key))
		}
		return buttons
	case types.PromptFreeText:
		return nil
	default:
		return []goslack.BlockElement{
			button("Send Enter", channel.ValueEnter),
			button("Show output", channel.ValueShow),
			button("Cancel", channel.ValueCancel),
		}
	}
}

func choiceLabel(c types.Choice) string {
	return channel.TruncateExcerpt(c.Key+". "+c.Label, buttonLabelMax)
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	cut := maxBlockTextLength
	// do not split a multi-byte rune
	for cut > 0 && text[cut]&0xc0 == 0x80 {
		cut--
	}
	return text[:cut] + "\n\n_... (truncated)_"
}
