package ai

import (
	"context"
	"strings"

	"github.com/dztow/backend/internal/utils"
)

// MockAdapter returns canned FAQ answers, picked deterministically per prompt.
type MockAdapter struct{}

var mockAnswers = map[string][]string{
	"ar": {
		"اضغط على زر طلب شاحنة السحب الأحمر وسيتم إشعار الشاحنات المتاحة.",
		"يتم الاتفاق على السعر مباشرة مع صاحب الشاحنة.",
		"يمكنك إلغاء الطلب قبل وصول السائق.",
	},
	"fr": {
		"Appuyez sur le bouton rouge « Demander une dépanneuse » pour prévenir les camions disponibles.",
		"Le prix se négocie directement avec le propriétaire du camion.",
		"Vous pouvez annuler la demande avant l'arrivée du chauffeur.",
	},
	"en": {
		"Tap the red Request Tow Truck button and every available truck nearby is notified.",
		"The price is negotiated directly with the truck owner.",
		"You can cancel the request before the driver arrives.",
	},
}

func (MockAdapter) Ask(_ context.Context, prompt, language string) (string, error) {
	answers, ok := mockAnswers[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		answers = mockAnswers["en"]
	}
	h := utils.HashStringToUint64(prompt)
	return answers[int(h%uint64(len(answers)))], nil
}
