// Copyright 2026 Discernus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 Discernus 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - Redis 辅助: NewRedis 启动 miniredis 并返回已连接的客户端
  - 异步断言: AssertEventuallyTrue / WaitFor
  - 数据工具: MustJSON / MustParseJSON

# 子包

  - testutil/mocks: MockProvider（llm.Provider），支持固定响应、
    自定义函数与错误注入
  - testutil/fixtures: 框架与语料样例、LLM 响应工厂

# 使用示例

	ctx := testutil.TestContext(t)
	mr, client := testutil.NewRedis(t)
	provider := mocks.NewMockProvider().WithResponse("final synthesis")
*/
package testutil
