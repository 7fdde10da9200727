package openaicompat

import (
	"encoding/json"
	"fmt"
)

const (
	generateFunction = "generate_code_output"
	generateArgument = "python_code"
	fixFunction      = "fix_code_output"
	fixArgument      = "fixed_code"
)

func generateSystemPrompt(description string) string {
	return fmt.Sprintf(`You are a helpful assistant that generates Python code.
Write every file the program produces into the directory 'output/'.
If the instruction is to create a website, write a Python program that writes an HTML file.
The input files are located in the current working directory. Their names and first lines are:

%s
Use those descriptions to understand the structure of their contents.
ALWAYS READ THE DATA FROM THE ACTUAL FILES!
The description of the Python code to generate follows.`, description)
}

const fixSystemPrompt = "You are an expert Python developer tasked with fixing code based on the error message."

func fixUserPrompt(code, errorLog string) string {
	return fmt.Sprintf("The following Python code generated an error:\n\n%s\n\nThe error message is:\n\n%s\n\nPlease provide a corrected version of the code.", code, errorLog)
}

const dependenciesSystemPrompt = "You are a helpful assistant that lists Python package dependencies."

func dependenciesUserPrompt(code string) string {
	return fmt.Sprintf("List all dependencies required to run the following Python code: %s. Provide the output as a comma-separated list of pip package names without any explanations or comments. Omit packages from the standard library. If there are no dependencies, return the word 'None'.", code)
}

// codeTool declares a function with a single required string argument that
// carries the program text.
func codeTool(name, description, argument, argumentDescription string) ChatTool {
	params, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			argument: map[string]any{
				"type":        "string",
				"description": argumentDescription,
			},
		},
		"required": []string{argument},
	})
	return ChatTool{
		Type: "function",
		Function: ChatFunctionDef{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

func forceTool(name string) ChatToolChoice {
	var choice ChatToolChoice
	choice.Type = "function"
	choice.Function.Name = name
	return choice
}
