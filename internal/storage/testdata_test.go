package storage

const greetingWorkflow = `
graph_id: greeting
bot_id: demo
nodes:
  start:
    type: start
  hello:
    type: message
    message:
      text: "Hello! How can I help?"
edges:
  - source: start
    target: hello
`

const brokenWorkflow = `
graph_id: broken
nodes:
  start:
    type: start
  hello:
    type: message
    message:
      text: "hi"
  orphan:
    type: message
    message:
      text: "never reached"
edges:
  - source: start
    target: hello
`
