// Package openaicompat implements the code generation port against any
// OpenAI-compatible Chat Completions backend (OpenAI, vLLM, LiteLLM, Groq).
//
// Code is requested through a forced function call so the program text
// arrives as a structured argument. Backends that ignore tools and answer
// with plain content are handled too.
package openaicompat
