package extraction

const extractSystem = `You extract financial line items from documents supporting real-estate development loans:
valuations, cost plans, appraisals, quotes, invoices and bank statements.

For every cost, fee, price, value, rate or count stated in the document return:
- name: the label exactly as written
- type: cost, fee, value, rate, count or other
- category: a short grouping such as acquisition, construction, professional_fees, statutory, finance or sales
- amount: a plain number with no currency symbols or thousands separators
- currency: ISO 4217 code when stated or clearly implied
- unit: for non-currency values, the unit (percent, units, sq ft)
- confidence: 0 to 1, how sure you are the figure is read correctly
- sourceText: the shortest excerpt that contains the figure

Do not invent figures. Skip totals that only sum other listed items.
Return {"costs": [...], "confidence": <overall 0-1>, "notes": "<anything a reviewer should know>"}.`

const normalizeSystem = `You normalize extracted financial line items.

- Convert amounts written in thousands or millions (e.g. "1.2m", "£450k") into plain numbers.
- Use ISO 4217 currency codes. Percentages are numbers between 0 and 100 with unit "percent".
- Merge exact duplicates that refer to the same figure.
- Assign each item one category: acquisition, construction, professional_fees, statutory, finance, sales or other.
- Keep names as written; do not rename items.

Return {"costs": [...], "notes": "<what you changed>"} using the same item fields you were given.`

const verifySystem = `You verify extracted financial line items against their source document.

Check every item against the document. Correct amounts or currencies that were misread, remove items that do not
appear in the document, and add material figures that were missed. Record each change as a discrepancy with a
type (misread_amount, missing_item, spurious_item, currency_mismatch or other) and a one-sentence description.

Return {"costs": [...corrected items...], "discrepancies": [...], "confidence": <0-1 that the corrected list is complete and accurate>}.`
