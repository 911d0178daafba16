package agents

// Templates use {name} placeholders filled by llm.Render.

const startGoalPrompt = `You are an autonomous task planner. Break the goal below into a short list of concrete tasks.

Goal: "{goal}"

Rules:
- Return between 2 and 4 tasks, each a single actionable sentence.
- Do not restate the goal as a task.
- Write the tasks in {language}.
- Respond ONLY with a JSON array of strings, e.g. ["First task", "Second task"].`

const analyzeTaskPrompt = `You decide how an agent should approach a task.

Goal: "{goal}"
Task: "{task}"

Choose "search" only if the task needs current or external facts (news, prices, recent events, live data). Otherwise choose "reason".
Respond ONLY with a JSON object: {"action": "reason" | "search", "arg": "<search query or short reasoning note>"}`

const executeTaskPrompt = `You are an autonomous agent working toward the goal "{goal}".

Complete this task: "{task}"

Approach: {approach}

Give a concise, specific answer in {language}. Do not describe what you would do; do it.`

const executeWithContextPrompt = `You are an autonomous agent working toward the goal "{goal}".

Complete this task: "{task}"

Use the web results below as your primary source. Cite them by number where relevant.

{context}

Give a concise, specific answer in {language}.`

const createTasksPrompt = `You are an autonomous task planner tracking progress on the goal "{goal}".

Completed tasks:
{completed}

Remaining tasks:
{remaining}

The last completed task was "{last_task}" and produced:
{last_result}

Only add new tasks if something essential to the goal is still missing. Prefer returning no new tasks.
Never repeat or rephrase an existing task. Return at most 2 tasks, written in {language}.
Respond ONLY with a JSON array of strings, or [] if nothing is needed.`
