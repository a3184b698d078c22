package mockiris

import (
	"fmt"
	"strings"
)

var templates = []string{
	"Good question about *%s*.\n\nStart by writing down what the method receives and what it must return. Which of the tests fails first?",
	"Let's look at *%s* step by step:\n\n1. Check the edge cases.\n2. Trace the loop with a small input.\n3. Compare with the expected output.",
	"I can't give you the solution for *%s*, but here is a hint: look closely at the loop bounds.",
	"Regarding *%s*: try adding a `System.out.println` inside the loop and watch how the variables change.",
}

// answer builds the n-th canned reply for question.
func answer(question string, n int) string {
	topic := strings.TrimSpace(question)
	if r := []rune(topic); len(r) > 40 {
		topic = string(r[:40]) + "…"
	}
	if topic == "" {
		topic = "your exercise"
	}
	return fmt.Sprintf(templates[(n-1)%len(templates)], topic)
}
