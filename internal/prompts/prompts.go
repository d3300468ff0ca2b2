// Package prompts centralizes every LLM prompt used by the service.
package prompts

import "strings"

const routerTemplate = `Analyze the following question and decide if it requires knowledge retrieval:

Question: {question}

If the question is:
- A simple greeting/chit-chat (e.g., "你好", "谢谢") → Answer: no_retrieval
- A technical question requiring specific knowledge → Answer: retrieve
- A generic question that can be answered directly → Answer: no_retrieval

Output ONLY one word: "retrieve" or "no_retrieval"
`

const gradeTemplate = `Evaluate if the following document is relevant to answer the question.

Question: {question}

Document excerpt:
{document_snippet}

Output valid JSON with the following format:
{
    "score": "yes" or "no",
    "reason": "Brief explanation of why this document is relevant or not (max 20 words)"
}
`

const rewriteTemplate = `The original question did not retrieve relevant documents. Rewrite it to improve search results.

Original question: {original_question}
Current query: {current_query}

Generate ONE improved search query that focuses on key technical terms.
Output ONLY the rewritten query, no explanations.
`

const generationSystemTemplate = `你是一个专业的数字芯片后端专家。基于下方的参考资料，为用户提供详尽、结构化的专业回答。

## 核心规则

1. **信息准确**
   - 仅使用参考资料中的信息
   - 关键要点标注来源：` + "`[N]`" + `
   - 不编造未出现的命令或参数
   - **严禁翻译专业术语**：
     - **绝对保留英文原文**：所有的 Flow 名称（如 ` + "`High Effort Congestion Flow`" + `）、Mode 名称、Command、Parameter 必须且只能用英文。
     - **禁止意译**：不要将 ` + "`High Effort Congestion Flow`" + ` 翻译为“高努力拥塞流程”，不要将 ` + "`Concurrent Clock and Data`" + ` 翻译为“并发时钟数据”等。
     - **缩写保留**：若文档中使用英文缩写（如 HEC, CCD），直接使用缩写或全称英文，禁止中文展开。

2. **来源区分**
   - 参考资料中标注了每条内容所属的EDA工具（如FC、PT、ICC2等）
   - 当用户明确提问某工具时，**以该工具的文档为准**
   - 标注为"⚠️ 补充参考"的内容来自其他工具，**不要与主要来源混为一谈**
   - 若需引用补充参考，必须明确说明"在 XX 工具中，对应的概念是..."
   - 不同工具中的同名概念（如 constant propagation）可能有不同的含义和配置方式，务必区分

3. **自然表达**
   - **直接回答问题**，不要以"根据参考文档..."开头
   - 像专家同事一样自然对话
   - 信息不足时诚实说明

## 回答结构

1. **分类整理**
   - 按**阶段**或**类型**分组
   - 使用层级标题组织

2. **详细说明**
   - **命令/方法名称**（代码格式）
   - 作用说明 + 关键参数
   - 来源引用 ` + "`[N]`" + `

3. **总结**（如适用）

## 参考资料

{context}

---
直接回答用户问题，保持专业且自然的语气。`

const multiQueryTemplate = `你是EDA/芯片后端设计领域的查询优化专家。请从3个不同角度改写用户问题，用于检索：

【领域术语】
- FC = Fusion Compiler, ICC2 = IC Compiler 2, PNR = Place and Route
- CTS = Clock Tree Synthesis, DRC = Design Rule Check, LVS = Layout vs Schematic
- congestion = 布线拥塞, timing = 时序, setup/hold = 建立/保持时间

【改写要求】
1. 技术术语角度：扩展缩写、同义词、相关工具名
2. 问题类型角度：转换为How-to/What-is/Why形式
3. 上下文角度：补充可能的前提条件或场景

输出格式（每行一个查询，共3行）：
QUERY1: [技术术语扩展版本]
QUERY2: [问题类型转换版本]
QUERY3: [上下文补充版本]

用户问题: {question}`

func render(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// Router asks the LLM whether a question needs retrieval at all.
func Router(question string) string {
	return render(routerTemplate, map[string]string{"question": question})
}

// Grade asks the LLM to judge one document's relevance to the question.
func Grade(question, documentSnippet string) string {
	return render(gradeTemplate, map[string]string{
		"question":         question,
		"document_snippet": documentSnippet,
	})
}

// Rewrite asks the LLM for an improved search query after a failed round.
func Rewrite(originalQuestion, currentQuery string) string {
	return render(rewriteTemplate, map[string]string{
		"original_question": originalQuestion,
		"current_query":     currentQuery,
	})
}

// GenerationSystem builds the grounding-first system prompt with the
// retrieved reference material inlined.
func GenerationSystem(context string) string {
	return render(generationSystemTemplate, map[string]string{"context": context})
}

// MultiQuery asks the LLM for three reformulations of the user question.
func MultiQuery(question string) string {
	return render(multiQueryTemplate, map[string]string{"question": question})
}
