package prompts

// System is the examiner persona sent as the first chat message of every exchange.
const System = `You are an IELTS speaking examiner. You should evaluate the student's English speaking ability ` +
	`according to the IELTS criteria: Fluency and Coherence, Lexical Resource, Grammatical Range ` +
	`and Accuracy, and Pronunciation. Keep your responses concise and natural like a real examiner. ` +
	`Do not provide scores during the test, only at the end when explicitly asked. Do not use any emoji in the responses.`

// BackendSystem is inserted by the chat endpoint when a request carries no system message.
const BackendSystem = "You are an IELTS examiner. Evaluate responses professionally and provide constructive feedback."

// Scoring asks for the band scores; the speech metadata summary is appended to it.
const Scoring = `Please analyze my complete speaking performance throughout this conversation and provide IELTS scores for:
1. Fluency and Coherence: Evaluate logical flow, topic development, and coherence of ideas.
2. Lexical Resource: Assess vocabulary range, appropriateness, and accuracy.
3. Grammatical Range and Accuracy: Judge grammatical structures and correctness.
4. Pronunciation: While you cannot hear my pronunciation directly, try to evaluate based on my choice of words and any metadata about my speech.

Provide a score out of 9 for each category and an overall band score, with detailed feedback.`

// ScoringRequestLine is shown as the user's turn when scoring is requested.
const ScoringRequestLine = "Please evaluate my speaking test performance and provide scores."

// Conclusion closes the test.
const Conclusion = "Thank you. That's the end of the speaking test."

// Part1Intro opens Part 1.
const Part1Intro = "Good morning/afternoon. My name is Aditi. Can you tell me your full name, please? " +
	"Now, I'd like to ask you some questions about yourself."

// Part1Topics are follow-up questions for Part 1.
var Part1Topics = []string{
	"Can you describe your hometown?",
	"Do you work or are you a student?",
	"What do you enjoy doing in your free time?",
	"Do you prefer indoor or outdoor activities?",
	"What kind of music do you like to listen to?",
	"Do you enjoy cooking?",
}

// Part2Intro opens the long-turn cue card.
const Part2Intro = "I'm going to give you a topic and I'd like you to talk about it for 1 to 2 minutes. " +
	"Before you start, you'll have one minute to prepare. Here's some paper and a pencil for making notes if you wish."

// Part2Topics are the cue cards.
var Part2Topics = []string{
	"Describe a book you have recently read. You should say: what kind of book it is, what it is about, " +
		"why you decided to read it, and explain why you liked or disliked it.",
	"Describe a place you have visited that made a strong impression on you. You should say: where it is, " +
		"when you went there, what you did there, and explain why it made such a strong impression on you.",
	"Describe a skill you would like to learn. You should say: what the skill is, how you would learn it, " +
		"how long it would take to learn, and explain why you want to learn this skill.",
}

// Part3Intro opens the discussion.
const Part3Intro = "Now let's discuss some more general questions related to this topic."

// Part3Group is a named set of discussion questions.
type Part3Group struct {
	Name      string
	Questions []string
}

// Part3Groups are the discussion topics, in a stable order.
var Part3Groups = []Part3Group{
	{Name: "books", Questions: []string{
		"How have reading habits changed in your country in recent years?",
		"Do you think digital books will eventually replace printed books?",
		"What kinds of books are most popular in your country?",
		"How important is reading for a child's development?",
	}},
	{Name: "places", Questions: []string{
		"What types of places do people from your country like to visit on vacation?",
		"How has tourism changed in your country over the last few decades?",
		"Do you think it's better to travel independently or as part of a tour group?",
		"How might tourism affect local communities?",
	}},
	{Name: "skills", Questions: []string{
		"Why do you think some people are reluctant to learn new skills?",
		"How has technology changed the way people learn new skills?",
		"What skills do you think will be most important in the future?",
		"Should schools focus more on practical skills rather than academic knowledge?",
	}},
}

// ForRequest resolves the system prompt for a chat exchange.
func ForRequest(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return System
}
