package commands

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
)

// promptResolver asks interactively whether a matched remove/add field pair
// was a rename. Declined or failed prompts fall back to remove and add.
type promptResolver struct{}

func (promptResolver) ConfirmRename(modelName, oldName, newName, description string) (bool, error) {
	confirmed := false
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("Did you rename %s.%s to %s.%s?", modelName, oldName, modelName, newName),
		Help:    description,
	}
	if err := survey.AskOne(prompt, &confirmed); err != nil {
		return false, nil
	}
	return confirmed, nil
}
