// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

// TrustAnchorPEM is the secure element manufacturer CA presented after the
// device certificate.
var TrustAnchorPEM = []byte(`-----BEGIN CERTIFICATE-----
MIIBoDCCAUagAwIBAgIBATAKBggqhkjOPQQDAjBPMQswCQYDVQQGEwJOTDEeMBwG
A1UECgwVU1RNaWNyb2VsZWN0cm9uaWNzIG52MSAwHgYDVQQDDBdTVE0gU1RTQUZF
LUEgUFJPRCBDQSAwMTAeFw0xODA3MjcwMDAwMDBaFw00ODA3MjcwMDAwMDBaME8x
CzAJBgNVBAYTAk5MMR4wHAYDVQQKDBVTVE1pY3JvZWxlY3Ryb25pY3MgbnYxIDAe
BgNVBAMMF1NUTSBTVFNBRkUtQSBQUk9EIENBIDAxMFkwEwYHKoZIzj0CAQYIKoZI
zj0DAQcDQgAEghlPJsyjbg6CGVzmZljsZKRmki9YyeZLXeGinn85hj0EJpLkyKx5
+W0v7VJ3TVKBlTnyHz7NGTj4PXCu4JzNjaMTMBEwDwYDVR0TAQH/BAUwAwEB/zAK
BggqhkjOPQQDAgNIADBFAiBu5UMyR6xyNPydF1qlHoMnaQGt7B8AXjcfQHNN44zF
LgIhALHZUWqtmj6G0iuOOzvQFG+rubki8EUmNP6Sf/XWNs2Q
-----END CERTIFICATE-----
`)
