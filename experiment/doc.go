// 版权所有 2024 Discernus Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 experiment 读取 YAML 实验定义，并把框架与语料写入制品存储。

	name: populism_study
	frameworks: [frameworks/pdaf.md]
	corpus: [corpus/]
	model: gpt-4o
	pre_test: true
	review: true
	moderation: true
	reviewers: [ideological, statistical]
	ideology: left
	params:
	  language: en

相对路径以实验文件所在目录为基准；语料目录按文件名排序展开，
忽略以点开头的文件。Ingest 返回 orchestrator.Request。
*/
package experiment
