package ai

const RouterPrompt = `
# Task Context
You are a query router for a multi-route retrieval engine over a document knowledge graph.
Classify the user query into exactly one route.

# Routes
- "vector": the user wants a verbatim passage, exact quote, or specific wording.
- "local": the user asks about one specific entity ("who/what is X", "tell me about X").
- "global": the user wants a corpus-wide summary, themes, or a comparison across documents.
- "drift": the user asks how one entity affects or relates to another ("how does X affect Y").
- "unified": the query is ambiguous, general, or mixes several of the above.

# Background Data
User query: "%s"

# Output Formatting
Return JSON:
{
  "route": string,     // one of: vector, local, global, drift, unified
  "reasoning": string  // one short sentence explaining the choice
}
Output must be valid JSON only (no commentary, no extra text).
`

const NERPrompt = `
# Task Context
Extract the named entities mentioned in the user query. These seed a graph walk, so
precision matters more than recall: only include names the query actually mentions.

# Background Data
User query: "%s"

# Output Formatting
Return JSON:
{
  "entities": [string],  // Entity names exactly as they appear in the query
  "keywords": [string]   // Other content-bearing terms worth matching lexically
}
Output must be valid JSON only (no commentary, no extra text).
`

const DecomposePrompt = `
# Task Context
Decompose a multi-hop question into independent sub-questions that can each be answered
from a document corpus on its own.

# Background Data
User question: "%s"

# Detailed Task Description & Rules
- Produce between 2 and %d sub-questions.
- Each sub-question must be self-contained: no pronouns referring to other sub-questions.
- Do not invent sub-questions the original question does not require. If the question is
  not actually multi-hop, return it unchanged as the single sub-question.

# Output Formatting
Return JSON:
{
  "sub_questions": [string]
}
Output must be valid JSON only (no commentary, no extra text).
`

const SynthesisPrompt = `
# Task Context
You are a helpful assistant that provides high-quality answers based only on the
provided evidence retrieved from a document knowledge graph.

# Background Data
The evidence is provided in the following format:

Evidence:
[[chunk_id]] (<document title>): <chunk text>

## Evidence
%s

# Detailed Task Description & Rules
- Do not add any information that is not present in the provided evidence.
- Derive your answer from the evidence text, never from the count of evidence rows.
- Cite every claim with the chunk id of the supporting evidence, wrapped in [[]].
- Never invent chunk ids. Only use ids that appear in the evidence.
- If the evidence does not contain the answer, say so plainly; do not guess.
- Answer in the language of the user's question.
- Requested answer shape: %s
`

const NoDataPrompt = `
# Task Context
The retrieval engine found no evidence for the user's question, and a direct check of
the knowledge graph confirmed the requested information is absent.

# Background Data
User question: "%s"

# Detailed Task Description & Rules
- Tell the user the information is not present in the indexed documents.
- Do not speculate about what the answer might be.
- Answer in the language of the user's question, in one or two sentences.
`
