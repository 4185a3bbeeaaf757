package telegram

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

const buttonLabelMax = 32

// promptBody renders the message text. Prompt types that carry no
// buttons get a typed-reply instruction instead.
func promptBody(ev types.PromptEvent, sess channel.SessionContext) string {
	text := channel.PromptText(ev, sess, time.Now())
	switch {
	case ev.Type == types.PromptFreeText:
		text += "\n\nReply to this message with your answer."
	case ev.Type == types.PromptMultipleChoice && len(ev.Choices) == 0:
		text += "\n\nReply to this message with the option number."
	}
	return text
}

// promptKeyboard builds the inline keyboard for a prompt, or nil when
// the prompt takes a typed reply.
func promptKeyboard(ev types.PromptEvent) *tgbotapi.InlineKeyboardMarkup {
	switch ev.Type {
	case types.PromptYesNo:
		rows := [][]tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes", channel.EncodeCallback(ev, "y")),
				tgbotapi.NewInlineKeyboardButtonData("No", channel.EncodeCallback(ev, "n")),
			),
		}
		if ev.SafeDefault != "" {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(
					fmt.Sprintf("Use default (%s)", ev.SafeDefault),
					channel.EncodeCallback(ev, channel.ValueDefault),
				),
			))
		}
		kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
		return &kb

	case types.PromptConfirmEnter:
		kb := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Send Enter", channel.EncodeCallback(ev, channel.ValueEnter)),
			),
		)
		return &kb

	case types.PromptMultipleChoice:
		if len(ev.Choices) == 0 {
			return nil
		}
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(ev.Choices))
		for _, c := range ev.Choices {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(choiceLabel(c), channel.EncodeCallback(ev, c.Key)),
			))
		}
		kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
		return &kb

	case types.PromptFreeText:
		return nil

	default:
		// Unknown prompts get the disambiguation affordances.
		kb := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Send Enter", channel.EncodeCallback(ev, channel.ValueEnter)),
				tgbotapi.NewInlineKeyboardButtonData("Show output", channel.EncodeCallback(ev, channel.ValueShow)),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", channel.EncodeCallback(ev, channel.ValueCancel)),
			),
		)
		return &kb
	}
}

func choiceLabel(c types.Choice) string {
	return channel.TruncateExcerpt(c.Key+". "+c.Label, buttonLabelMax)
}
