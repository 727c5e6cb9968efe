package graphql

const messageFields = `
      id
      chat_id
      content
      role
      created_at`

const messageFieldsWithRequestID = messageFields + `
      client_request_id`

const getMessagesQuery = `
  query GetMessages($chatId: uuid!) {
    messages(
      where: { chat_id: { _eq: $chatId } }
      order_by: { created_at: asc }
    ) {` + messageFields + `
    }
  }`

const getMessagesWithRequestIDQuery = `
  query GetMessages($chatId: uuid!) {
    messages(
      where: { chat_id: { _eq: $chatId } }
      order_by: { created_at: asc }
    ) {` + messageFieldsWithRequestID + `
    }
  }`

const messagesSubscription = `
  subscription MessagesSubscription($chatId: uuid!) {
    messages(
      where: { chat_id: { _eq: $chatId } }
      order_by: { created_at: asc }
    ) {` + messageFields + `
    }
  }`

const getChatQuery = `
  query GetChat($chatId: uuid!) {
    chats_by_pk(id: $chatId) {
      id
      title
      updated_at
    }
  }`

const updateChatTitleMutation = `
  mutation UpdateChatTitle($chatId: uuid!, $title: String!) {
    update_chats_by_pk(
      pk_columns: { id: $chatId }
      _set: { title: $title }
    ) {
      id
      title
      updated_at
    }
  }`

const sendMessageMutation = `
  mutation SendMessage($chatId: uuid!, $content: String!) {
    insert_messages_one(
      object: { chat_id: $chatId, content: $content, role: "user" }
    ) {` + messageFields + `
    }
  }`

// sendMessageIdempotentMutation relies on the unique index over
// client_request_id; a replay returns the stored row.
const sendMessageIdempotentMutation = `
  mutation SendMessage($chatId: uuid!, $content: String!, $requestId: String!) {
    insert_messages_one(
      object: { chat_id: $chatId, content: $content, role: "user", client_request_id: $requestId }
      on_conflict: { constraint: messages_client_request_id_key, update_columns: [client_request_id] }
    ) {` + messageFieldsWithRequestID + `
    }
  }`

const saveBotResponseMutation = `
  mutation SaveBotResponse($chatId: uuid!, $content: String!) {
    insert_messages_one(
      object: { chat_id: $chatId, content: $content, role: "assistant" }
    ) {` + messageFields + `
    }
  }`

const saveBotResponseIdempotentMutation = `
  mutation SaveBotResponse($chatId: uuid!, $content: String!, $requestId: String!) {
    insert_messages_one(
      object: { chat_id: $chatId, content: $content, role: "assistant", client_request_id: $requestId }
      on_conflict: { constraint: messages_client_request_id_key, update_columns: [client_request_id] }
    ) {` + messageFieldsWithRequestID + `
    }
  }`

const insertMessagesMutation = `
  mutation InsertMessages($objects: [messages_insert_input!]!) {
    insert_messages(objects: $objects) {
      affected_rows
      returning {` + messageFields + `
      }
    }
  }`

const sendMessageAction = `
  mutation SendMessageAction($chatId: uuid!, $message: String!) {
    sendMessage(chatId: $chatId, message: $message) {
      success
      message
      response
    }
  }`

const insertMessagesIdempotentMutation = `
  mutation InsertMessages($objects: [messages_insert_input!]!) {
    insert_messages(
      objects: $objects
      on_conflict: { constraint: messages_client_request_id_key, update_columns: [client_request_id] }
    ) {
      affected_rows
      returning {` + messageFieldsWithRequestID + `
      }
    }
  }`
